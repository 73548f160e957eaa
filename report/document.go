/*
Package report adapts saved transaction report documents to the
analysis pipeline.

PURPOSE:
  A report document is the data a vendor transactions page shows: the
  page URL, the entitlement it is filtered to and the rows of the grid.
  Documents are JSON, validated against an embedded JSON Schema before
  use, and wrapped as an analysis.Page so the CLI, the HTTP bridge and
  the batch simulation all drive the same pipeline a live page would.

DOCUMENT SHAPE:
  {
    "url": "https://marketplace.atlassian.com/manage/vendors/1/reporting/transactions?text=AEN-1",
    "entitlementId": "AEN-1",
    "licenseUrl": "/manage/vendors/1/reporting/licenses?text=AEN-1",
    "rows": [
      {"orderId": "AT-1", "saleDate": "2023-01-01", "saleType": "Renewal",
       "maintenancePeriod": "2023-01-01 to 2023-12-31", "netAmount": "$100.00",
       "collapsed": true}
    ],
    "render": {"gridAfter": 2, "rowsAfter": 0, "expandAfter": 1}
  }

RENDER SIMULATION:
  "render" counts how many polls the grid, the first row and the
  expansion of collapsed rows take to settle. Collapsed rows hide their
  detail cells (sale type, maintenance period) until expanded.

SEE ALSO:
  - page.go: the analysis.Page implementation
  - links.go: transactions page URL helpers
*/
package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/warp/coverage-audit/coverage"
)

// ErrInvalidDocument is returned for documents that fail schema validation.
var ErrInvalidDocument = errors.New("invalid report document")

// Document is one saved transactions report.
type Document struct {
	URL           string `json:"url,omitempty"`
	EntitlementID string `json:"entitlementId,omitempty"`
	LicenseURL    string `json:"licenseUrl,omitempty"`
	Rows          []Row  `json:"rows"`
	Render        Render `json:"render,omitempty"`
}

// Row is a grid row. Collapsed rows need expanding before their
// detail cells are readable.
type Row struct {
	coverage.Row
	Collapsed bool `json:"collapsed,omitempty"`
}

// Render holds the simulated render delays, in polls.
type Render struct {
	GridAfter   int `json:"gridAfter,omitempty"`
	RowsAfter   int `json:"rowsAfter,omitempty"`
	ExpandAfter int `json:"expandAfter,omitempty"`
}

// OrderIDs lists the document's order ids in row order.
func (d *Document) OrderIDs() []string {
	ids := make([]string, 0, len(d.Rows))
	for _, r := range d.Rows {
		if r.OrderID != "" {
			ids = append(ids, r.OrderID)
		}
	}
	return ids
}

// TransactionsURL is the entitlement's transactions link derived from
// its license link, or "" when the document has none.
func (d *Document) TransactionsURL() string {
	if d.LicenseURL == "" {
		return ""
	}
	return TransactionsURL(d.LicenseURL)
}

// =============================================================================
// SCHEMA
// =============================================================================

const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["rows"],
  "additionalProperties": false,
  "properties": {
    "url": {"type": "string"},
    "entitlementId": {"type": "string"},
    "licenseUrl": {"type": "string"},
    "rows": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["saleDate", "saleType", "maintenancePeriod"],
        "additionalProperties": false,
        "properties": {
          "rowId": {"type": "string"},
          "orderId": {"type": "string"},
          "saleDate": {"type": "string"},
          "saleType": {"type": "string"},
          "maintenancePeriod": {"type": "string"},
          "netAmount": {"type": "string"},
          "collapsed": {"type": "boolean"}
        }
      }
    },
    "render": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "gridAfter": {"type": "integer", "minimum": 0},
        "rowsAfter": {"type": "integer", "minimum": 0},
        "expandAfter": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("report.schema.json", strings.NewReader(documentSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("report.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
})

// =============================================================================
// LOADING
// =============================================================================

// Parse validates data and decodes it into a Document.
func Parse(data []byte) (*Document, error) {
	schema, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := schema.Validate(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	var doc Document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return &doc, nil
}

// Load reads and validates the document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// LoadAll loads documents from paths. A directory contributes its
// *.json files in name order.
func LoadAll(paths ...string) ([]*Document, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(p, "*.json"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}

	docs := make([]*Document, 0, len(files))
	for _, f := range files {
		doc, err := Load(f)
		if err != nil {
			return nil, err
		}
		if doc.URL == "" {
			doc.URL = "file://" + filepath.ToSlash(f)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
