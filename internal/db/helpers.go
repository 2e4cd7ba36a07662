package db

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Conversions from pgtype nullable scan targets to the pointer fields on
// the row models.

func NilTimePtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func NilInt64Ptr(v pgtype.Int8) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func NilInt32Ptr(v pgtype.Int4) *int32 {
	if !v.Valid {
		return nil
	}
	return &v.Int32
}

func NilFloat64Ptr(v pgtype.Float8) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

func NilStringPtr(v pgtype.Text) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}
