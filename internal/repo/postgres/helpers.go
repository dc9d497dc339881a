package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/LeventeLantos/automatic-mailing/internal/model"
)

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// audienceQuery selects client ids matching f. Empty filter fields add no
// predicate.
func audienceQuery(f model.AudienceFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.MobileOperatorCode != "" {
		args = append(args, f.MobileOperatorCode)
		where = append(where, fmt.Sprintf("mobile_operator_code = $%d", len(args)))
	}
	if f.Tag != "" {
		args = append(args, f.Tag)
		where = append(where, fmt.Sprintf("tag = $%d", len(args)))
	}

	q := "SELECT id FROM clients"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	return q + " ORDER BY id", args
}
