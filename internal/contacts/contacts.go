// Package contacts loads recipient lists from CSV. Header names are
// resolved through a declarative alias table so operator spreadsheets in
// Japanese and English both load without preprocessing. Encrypted
// address columns (email_enc) are decrypted on load.
package contacts

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ignite/quote-sender/internal/cryptobox"
	"github.com/ignite/quote-sender/internal/keys"
)

// Record is one recipient row.
type Record struct {
	Email       string
	CompanyName string
	ContactName string
}

// columnAliases maps each canonical field to its accepted header names,
// in priority order. Comparison is case-insensitive after folding.
var columnAliases = map[string][]string{
	"email": {
		"email", "email_enc", "メールアドレス", "メールアドレス_enc",
		"mail", "e-mail", "メール",
	},
	"company_name": {
		"company_name", "会社名", "company", "社名",
	},
	"contact_name": {
		"contact_name", "担当者名", "担当者", "contact",
	},
}

// Load reads records from the CSV at path. box may be nil when no
// encrypted columns are expected. The returned warnings list duplicate
// addresses and rows that were dropped.
func Load(path string, box *cryptobox.Box) ([]Record, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("contacts: open %s: %w", path, err)
	}
	defer f.Close()
	return Read(f, box)
}

// Read parses CSV content from r.
func Read(r io.Reader, box *cryptobox.Box) ([]Record, []string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("contacts: read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}

	cols, err := resolveColumns(header)
	if err != nil {
		return nil, nil, err
	}

	var records []Record
	var warnings []string
	seen := map[string]int{}
	line := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, nil, fmt.Errorf("contacts: line %d: %w", line, err)
		}

		email, err := cellValue(row, cols, "email", box)
		if err != nil {
			return nil, nil, fmt.Errorf("contacts: line %d: %w", line, err)
		}
		email = keys.NormalizeEmail(email)
		if email == "" || !strings.Contains(email, "@") {
			warnings = append(warnings, fmt.Sprintf("line %d: no usable address, row dropped", line))
			continue
		}
		if prev, dup := seen[email]; dup {
			warnings = append(warnings, fmt.Sprintf("line %d: duplicate of line %d", line, prev))
		} else {
			seen[email] = line
		}

		company, _ := cellValue(row, cols, "company_name", nil)
		contact, _ := cellValue(row, cols, "contact_name", nil)
		records = append(records, Record{
			Email:       email,
			CompanyName: keys.FoldText(company),
			ContactName: keys.FoldText(contact),
		})
	}
	return records, warnings, nil
}

type columnMap map[string]struct {
	index     int
	encrypted bool
	name      string
}

func resolveColumns(header []string) (columnMap, error) {
	cols := columnMap{}
	for field, aliases := range columnAliases {
		for _, alias := range aliases {
			for i, h := range header {
				h = strings.ToLower(keys.FoldText(h))
				if h == strings.ToLower(alias) {
					cols[field] = struct {
						index     int
						encrypted bool
						name      string
					}{i, cryptobox.IsEncryptedColumnName(h), h}
					break
				}
			}
			if _, ok := cols[field]; ok {
				break
			}
		}
	}
	if _, ok := cols["email"]; !ok {
		return nil, fmt.Errorf("contacts: no email column found in header %v", header)
	}
	return cols, nil
}

func cellValue(row []string, cols columnMap, field string, box *cryptobox.Box) (string, error) {
	col, ok := cols[field]
	if !ok || col.index >= len(row) {
		return "", nil
	}
	val := strings.TrimSpace(row[col.index])
	if val == "" {
		return "", nil
	}
	if err := cryptobox.ValidateEncryptedColumn(col.name, val); err != nil {
		return "", err
	}
	if col.encrypted {
		if box == nil {
			return "", fmt.Errorf("column %s is encrypted but no key is available", col.name)
		}
		plain, err := box.Decrypt(val)
		if err != nil {
			return "", fmt.Errorf("column %s: %w", col.name, err)
		}
		return plain, nil
	}
	return val, nil
}
