package transcript

import "database/sql"

func sqlString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}
