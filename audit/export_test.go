package audit

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
)

func sampleRecords() []OrderRecord {
	return []OrderRecord{
		{
			ID:        "0x" + strings.Repeat("11", 32),
			Buyer:     "shop1buyeraddress",
			Sequence:  1,
			TotalPaid: "110",
			CreatedAt: 1_700_000_000,
			Confirmed: true,
			Refunded:  false,
		},
		{
			ID:        "0x" + strings.Repeat("22", 32),
			Buyer:     "shop1otherbuyer",
			Sequence:  2,
			TotalPaid: "110",
			CreatedAt: 1_700_000_600,
			Confirmed: false,
			Refunded:  true,
		},
	}
}

func TestWriteCSV(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := WriteCSV(buf, sampleRecords()); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("unexpected line count: got %d, want 3", len(lines))
	}
	if lines[0] != "id,buyer,sequence,total_paid,created_at,confirmed,refunded" {
		t.Fatalf("unexpected header: %q", lines[0])
	}
	wantRow := "0x" + strings.Repeat("11", 32) + ",shop1buyeraddress,1,110,1700000000,true,false"
	if lines[1] != wantRow {
		t.Fatalf("unexpected first row: got %q, want %q", lines[1], wantRow)
	}
}

func TestWriteCSVEmpty(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := WriteCSV(buf, nil); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	want := "id,buyer,sequence,total_paid,created_at,confirmed,refunded\n"
	if buf.String() != want {
		t.Fatalf("unexpected output: got %q, want %q", buf.String(), want)
	}
}

func TestWriteParquetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.parquet")
	records := sampleRecords()
	if err := WriteParquet(path, records); err != nil {
		t.Fatalf("write parquet: %v", err)
	}

	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		t.Fatalf("open parquet: %v", err)
	}
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(parquetOrder), 1)
	if err != nil {
		t.Fatalf("parquet reader: %v", err)
	}
	defer pr.ReadStop()

	if got := pr.GetNumRows(); got != int64(len(records)) {
		t.Fatalf("unexpected row count: got %d, want %d", got, len(records))
	}
	rows := make([]parquetOrder, len(records))
	if err := pr.Read(&rows); err != nil {
		t.Fatalf("read parquet rows: %v", err)
	}
	if rows[0].ID != records[0].ID {
		t.Fatalf("unexpected id: got %q, want %q", rows[0].ID, records[0].ID)
	}
	if rows[0].TotalPaid != records[0].TotalPaid {
		t.Fatalf("unexpected total: got %q, want %q", rows[0].TotalPaid, records[0].TotalPaid)
	}
	if !rows[0].Confirmed || rows[0].Refunded {
		t.Fatalf("unexpected flags on first row: %+v", rows[0])
	}
	if rows[1].Sequence != 2 {
		t.Fatalf("unexpected sequence: got %d, want 2", rows[1].Sequence)
	}
}
