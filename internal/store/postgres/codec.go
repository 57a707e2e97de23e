package postgres

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// Amounts are written as decimal text cast to NUMERIC in SQL and read back
// as ::text, so no precision is lost to float conversion.

func amountArg(a domain.Amount) string { return a.String() }

type amountScanner struct{ dst *domain.Amount }

func (s amountScanner) Scan(src any) error {
	var text string
	switch v := src.(type) {
	case string:
		text = v
	case []byte:
		text = string(v)
	case nil:
		*s.dst = domain.Zero
		return nil
	default:
		return fmt.Errorf("postgres: cannot scan %T into amount", src)
	}
	a, err := domain.ParseAmount(text)
	if err != nil {
		return fmt.Errorf("postgres: scan amount %q: %w", text, err)
	}
	*s.dst = a
	return nil
}

func amount(dst *domain.Amount) sql.Scanner { return amountScanner{dst} }

type addressScanner struct{ dst *common.Address }

func (s addressScanner) Scan(src any) error {
	switch v := src.(type) {
	case string:
		*s.dst = common.HexToAddress(v)
	case []byte:
		*s.dst = common.HexToAddress(string(v))
	case nil:
		*s.dst = common.Address{}
	default:
		return fmt.Errorf("postgres: cannot scan %T into address", src)
	}
	return nil
}

func address(dst *common.Address) sql.Scanner { return addressScanner{dst} }

type hashScanner struct{ dst *common.Hash }

func (s hashScanner) Scan(src any) error {
	switch v := src.(type) {
	case string:
		*s.dst = common.HexToHash(v)
	case []byte:
		*s.dst = common.HexToHash(string(v))
	default:
		return fmt.Errorf("postgres: cannot scan %T into hash", src)
	}
	return nil
}

func hash(dst *common.Hash) sql.Scanner { return hashScanner{dst} }

func optionalAddress(a *common.Address) *string {
	if a == nil {
		return nil
	}
	s := a.Hex()
	return &s
}

func scanOptionalAddress(s *string) *common.Address {
	if s == nil || *s == "" {
		return nil
	}
	a := common.HexToAddress(*s)
	return &a
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// window appends the time filter, ordering and pagination of opts to query.
func window(query string, args []any, opts domain.ListOpts, timeCol, order string) (string, []any) {
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if opts.Since != nil {
		query += " AND " + timeCol + " >= " + next(*opts.Since)
	}
	if opts.Until != nil {
		query += " AND " + timeCol + " <= " + next(*opts.Until)
	}
	query += " ORDER BY " + timeCol + " " + order
	if opts.Limit > 0 {
		query += " LIMIT " + next(opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET " + next(opts.Offset)
	}
	return query, args
}
