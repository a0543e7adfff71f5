package jobs

import (
	"encoding/json"
	"strconv"
	"strings"
)

// convertValue turns a raw driver value into something that marshals to
// sensible JSON, based on the column's database type name. The text protocol
// hands back every column as []byte, the binary protocol only strings and
// blobs, so both paths end up here.
func convertValue(value interface{}, columnType string) interface{} {
	b, ok := value.([]byte)
	if !ok {
		return value
	}

	colType := strings.ToUpper(columnType)
	switch {
	case strings.Contains(colType, "BLOB"), strings.Contains(colType, "BINARY"), colType == "BIT", colType == "GEOMETRY":
		// Kept as bytes, encoded as base64 in JSON.
		return b
	case strings.Contains(colType, "INT"), colType == "YEAR":
		if strings.HasPrefix(colType, "UNSIGNED") {
			if n, err := strconv.ParseUint(string(b), 10, 64); err == nil {
				return n
			}
		}
		if n, err := strconv.ParseInt(string(b), 10, 64); err == nil {
			return n
		}
	case colType == "FLOAT", colType == "DOUBLE":
		if f, err := strconv.ParseFloat(string(b), 64); err == nil {
			return f
		}
	case colType == "JSON":
		if json.Valid(b) {
			return json.RawMessage(append([]byte(nil), b...))
		}
	}

	// DECIMAL stays a string to keep its precision; CHAR, VARCHAR, TEXT,
	// ENUM, SET and anything unknown are text.
	return string(b)
}
