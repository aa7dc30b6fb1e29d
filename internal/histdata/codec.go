package histdata

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"github.com/trananhduc/apexbot/internal/types"
)

// codec reads and writes one durable-tier snapshot file. Write must be
// atomic: a crashed writer may leave a temp file behind but never a
// half-written snapshot under the final name.
type codec interface {
	ext() string
	read(path string) ([]types.Bar, error)
	write(path string, bars []types.Bar) error
}

// barRow is the columnar snapshot schema. Prices ride as strings so
// decimal values survive the round trip exactly.
type barRow struct {
	Time   int64  `parquet:"time"`
	Open   string `parquet:"open"`
	High   string `parquet:"high"`
	Low    string `parquet:"low"`
	Close  string `parquet:"close"`
	Volume int64  `parquet:"volume"`
}

type parquetCodec struct{}

func (parquetCodec) ext() string { return ".parquet" }

func (parquetCodec) read(path string) ([]types.Bar, error) {
	rows, err := parquet.ReadFile[barRow](path)
	if err != nil {
		return nil, fmt.Errorf("read parquet snapshot: %w", err)
	}
	bars := make([]types.Bar, 0, len(rows))
	for _, r := range rows {
		open, err := decimal.NewFromString(r.Open)
		if err != nil {
			return nil, fmt.Errorf("corrupt price column: %w", err)
		}
		high, err := decimal.NewFromString(r.High)
		if err != nil {
			return nil, fmt.Errorf("corrupt price column: %w", err)
		}
		low, err := decimal.NewFromString(r.Low)
		if err != nil {
			return nil, fmt.Errorf("corrupt price column: %w", err)
		}
		cls, err := decimal.NewFromString(r.Close)
		if err != nil {
			return nil, fmt.Errorf("corrupt price column: %w", err)
		}
		bars = append(bars, types.Bar{
			Time:   time.Unix(0, r.Time).UTC(),
			Open:   open,
			High:   high,
			Low:    low,
			Close:  cls,
			Volume: r.Volume,
		})
	}
	return bars, nil
}

func (parquetCodec) write(path string, bars []types.Bar) error {
	rows := make([]barRow, 0, len(bars))
	for _, b := range bars {
		rows = append(rows, barRow{
			Time:   b.Time.UnixNano(),
			Open:   b.Open.String(),
			High:   b.High.String(),
			Low:    b.Low.String(),
			Close:  b.Close.String(),
			Volume: b.Volume,
		})
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, rows); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write parquet snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// gobCodec is the legacy row-oriented snapshot format. Kept so old
// cache directories remain readable; new snapshots are columnar.
type gobCodec struct{}

type gobSnapshot struct {
	Bars []types.Bar
}

func (gobCodec) ext() string { return ".bars" }

func (gobCodec) read(path string) ([]types.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var snap gobSnapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap.Bars, nil
}

func (gobCodec) write(path string, bars []types.Bar) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(gobSnapshot{Bars: bars}); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func codecFor(format string) (codec, error) {
	switch format {
	case "", FormatParquet:
		return parquetCodec{}, nil
	case FormatGob:
		return gobCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown snapshot format %q", format)
	}
}

// snapshotPath builds the artifact path for a key under dir, with the
// codec's extension.
func snapshotPath(dir string, k key, c codec) string {
	return filepath.Join(dir, k.String()+c.ext())
}
