package cryptobox

import (
	"fmt"
	"strings"
)

const encColumnSuffix = "_enc"

// EncryptedColumnName returns the column name used for the encrypted form
// of a field, e.g. "email" becomes "email_enc".
func EncryptedColumnName(name string) string {
	if strings.HasSuffix(name, encColumnSuffix) {
		return name
	}
	return name + encColumnSuffix
}

// IsEncryptedColumnName reports whether the column name denotes an
// encrypted field.
func IsEncryptedColumnName(name string) bool {
	return strings.HasSuffix(name, encColumnSuffix)
}

// ValidateEncryptedColumn checks that a column's name and value agree: an
// "_enc" column must hold a sealed envelope, and a plain column must not.
func ValidateEncryptedColumn(name, value string) error {
	encName := IsEncryptedColumnName(name)
	encValue := IsEncryptedValue(value)
	switch {
	case encName && !encValue && value != "":
		return fmt.Errorf("column %q expects an encrypted value", name)
	case !encName && encValue:
		return fmt.Errorf("column %q holds an encrypted value but is not an _enc column", name)
	}
	return nil
}
