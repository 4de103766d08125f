// Package arrowio exports result tables as Arrow IPC streams and CSV,
// the two artifact formats downstream analysis tools consume.
package arrowio

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"phenokit/internal/domain"
	"phenokit/internal/table"
)

// Schema maps a table's columns onto an Arrow schema. Every field is
// nullable; dates become DATE32 days.
func Schema(t *table.Table) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, t.NumCols())
	for _, name := range t.ColumnNames() {
		col, err := t.Column(name)
		if err != nil {
			return nil, err
		}
		dt, err := fieldType(col.Kind())
		if err != nil {
			return nil, err
		}
		fields = append(fields, arrow.Field{Name: name, Type: dt, Nullable: true})
	}
	return arrow.NewSchema(fields, nil), nil
}

func fieldType(k table.Kind) (arrow.DataType, error) {
	switch k {
	case table.String:
		return arrow.BinaryTypes.String, nil
	case table.Bool:
		return arrow.FixedWidthTypes.Boolean, nil
	case table.Float:
		return arrow.PrimitiveTypes.Float64, nil
	case table.Int:
		return arrow.PrimitiveTypes.Int64, nil
	case table.Date:
		return arrow.FixedWidthTypes.Date32, nil
	}
	return nil, domain.ErrValidation("no arrow type for column kind %s", k)
}

// Record converts a table into an Arrow record batch. The caller owns the
// returned batch and must Release it.
func Record(t *table.Table) (arrow.RecordBatch, error) {
	schema, err := Schema(t)
	if err != nil {
		return nil, err
	}
	builder := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer builder.Release()

	for j, name := range t.ColumnNames() {
		col, err := t.Column(name)
		if err != nil {
			return nil, err
		}
		switch b := builder.Field(j).(type) {
		case *array.StringBuilder:
			for i := 0; i < t.NumRows(); i++ {
				if col.IsNull(i) {
					b.AppendNull()
				} else {
					b.Append(col.StringAt(i))
				}
			}
		case *array.BooleanBuilder:
			for i := 0; i < t.NumRows(); i++ {
				if col.IsNull(i) {
					b.AppendNull()
				} else {
					b.Append(col.BoolAt(i))
				}
			}
		case *array.Float64Builder:
			for i := 0; i < t.NumRows(); i++ {
				if col.IsNull(i) {
					b.AppendNull()
				} else {
					b.Append(col.FloatAt(i))
				}
			}
		case *array.Int64Builder:
			for i := 0; i < t.NumRows(); i++ {
				if col.IsNull(i) {
					b.AppendNull()
				} else {
					b.Append(col.IntAt(i))
				}
			}
		case *array.Date32Builder:
			for i := 0; i < t.NumRows(); i++ {
				if col.IsNull(i) {
					b.AppendNull()
				} else {
					b.Append(arrow.Date32FromTime(col.DateAt(i)))
				}
			}
		default:
			return nil, domain.ErrValidation("no arrow builder for column %q", name)
		}
	}
	return builder.NewRecordBatch(), nil
}

// WriteIPC writes the table to w as a single-batch Arrow IPC stream.
func WriteIPC(w io.Writer, t *table.Table) error {
	record, err := Record(t)
	if err != nil {
		return err
	}
	defer record.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(record.Schema()), ipc.WithAllocator(memory.DefaultAllocator))
	if err := writer.Write(record); err != nil {
		writer.Close()
		return fmt.Errorf("write arrow record: %w", err)
	}
	return writer.Close()
}

// WriteIPCFile writes the table as an Arrow IPC stream file at path.
func WriteIPCFile(path string, t *table.Table) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteIPC(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteCSV writes the table to w as CSV with a header row. Null cells are
// empty strings.
func WriteCSV(w io.Writer, t *table.Table) error {
	names := t.ColumnNames()
	cols := make([]*table.Series, len(names))
	for j, name := range names {
		col, err := t.Column(name)
		if err != nil {
			return err
		}
		cols[j] = col
	}

	cw := csv.NewWriter(w)
	cw.Write(names)
	record := make([]string, len(cols))
	for i := 0; i < t.NumRows(); i++ {
		for j, col := range cols {
			record[j] = formatCell(col, i)
		}
		cw.Write(record)
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSVFile writes the table as a CSV file at path.
func WriteCSVFile(path string, t *table.Table) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteCSV(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func formatCell(col *table.Series, i int) string {
	if col.IsNull(i) {
		return ""
	}
	switch col.Kind() {
	case table.String:
		return col.StringAt(i)
	case table.Bool:
		return strconv.FormatBool(col.BoolAt(i))
	case table.Float:
		return strconv.FormatFloat(col.FloatAt(i), 'g', -1, 64)
	case table.Int:
		return strconv.FormatInt(col.IntAt(i), 10)
	case table.Date:
		return col.DateAt(i).Format("2006-01-02")
	}
	return ""
}
