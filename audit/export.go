// Package audit renders ledger order history into the flat-file formats the
// back-office side consumes: CSV for spreadsheets and Parquet for warehouse
// ingestion.
package audit

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// OrderRecord is one exported order row. The JSON tags mirror the node's
// shop_listOrders result so callers can decode an RPC payload straight into a
// record slice.
type OrderRecord struct {
	ID        string `json:"id"`
	Buyer     string `json:"buyer"`
	Sequence  uint64 `json:"sequence"`
	TotalPaid string `json:"totalPaid"`
	CreatedAt int64  `json:"createdAt"`
	Confirmed bool   `json:"confirmed"`
	Refunded  bool   `json:"refunded"`
}

// csvHeader is shared by both formats so column naming stays consistent
// between CSV exports and Parquet schemas.
var csvHeader = []string{"id", "buyer", "sequence", "total_paid", "created_at", "confirmed", "refunded"}

// WriteCSV streams records to w as CSV with a leading header row.
func WriteCSV(w io.Writer, records []OrderRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("audit: write csv header: %w", err)
	}
	for _, rec := range records {
		row := []string{
			rec.ID,
			rec.Buyer,
			strconv.FormatUint(rec.Sequence, 10),
			rec.TotalPaid,
			strconv.FormatInt(rec.CreatedAt, 10),
			strconv.FormatBool(rec.Confirmed),
			strconv.FormatBool(rec.Refunded),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("audit: flush csv: %w", err)
	}
	return nil
}

type parquetOrder struct {
	ID        string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Buyer     string `parquet:"name=buyer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Sequence  int64  `parquet:"name=sequence, type=INT64"`
	TotalPaid string `parquet:"name=total_paid, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt int64  `parquet:"name=created_at, type=INT64"`
	Confirmed bool   `parquet:"name=confirmed, type=BOOLEAN"`
	Refunded  bool   `parquet:"name=refunded, type=BOOLEAN"`
}

// WriteParquet writes records to a Snappy-compressed Parquet file at path.
// TotalPaid stays a decimal string because order totals can exceed int64.
func WriteParquet(path string, records []OrderRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetOrder), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		row := &parquetOrder{
			ID:        rec.ID,
			Buyer:     rec.Buyer,
			Sequence:  int64(rec.Sequence),
			TotalPaid: rec.TotalPaid,
			CreatedAt: rec.CreatedAt,
			Confirmed: rec.Confirmed,
			Refunded:  rec.Refunded,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return nil
}
