package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type attemptRow struct {
	AttemptID       string `parquet:"name=attempt_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	PositionKey     string `parquet:"name=position_key, type=BYTE_ARRAY, convertedtype=UTF8"`
	PoolID          string `parquet:"name=pool_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	UserAddress     string `parquet:"name=user_address, type=BYTE_ARRAY, convertedtype=UTF8"`
	CollateralName  string `parquet:"name=collateral, type=BYTE_ARRAY, convertedtype=UTF8"`
	DebtName        string `parquet:"name=debt, type=BYTE_ARRAY, convertedtype=UTF8"`
	Mode            string `parquet:"name=mode, type=BYTE_ARRAY, convertedtype=UTF8"`
	LTV             string `parquet:"name=ltv, type=BYTE_ARRAY, convertedtype=UTF8"`
	LLTV            string `parquet:"name=lltv, type=BYTE_ARRAY, convertedtype=UTF8"`
	DebtRepay       string `parquet:"name=debt_repay, type=BYTE_ARRAY, convertedtype=UTF8"`
	CollateralSeize string `parquet:"name=collateral_seize, type=BYTE_ARRAY, convertedtype=UTF8"`
	FeeEstimate     string `parquet:"name=fee_estimate, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxHash          string `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status          string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	FailureReason   string `parquet:"name=failure_reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt       string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	UpdatedAt       string `parquet:"name=updated_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// Export materialises the window's attempts as a Parquet file under dir
// and reports the written path and row count.
func (l *Ledger) Export(ctx context.Context, dir string, start, end time.Time) (string, int, error) {
	rows, err := l.ListWindow(ctx, start, end)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("ensure export dir: %w", err)
	}
	name := fmt.Sprintf("attempts_%s_%s.parquet", start.Format("20060102"), end.Format("20060102"))
	path := filepath.Join(dir, name)
	if err := writeParquet(path, rows); err != nil {
		return "", 0, err
	}
	return path, len(rows), nil
}

func writeParquet(path string, rows []Attempt) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(attemptRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &attemptRow{
			AttemptID:       row.ID.String(),
			PositionKey:     row.PositionKey,
			PoolID:          row.PoolID,
			UserAddress:     row.UserAddress,
			CollateralName:  row.CollateralName,
			DebtName:        row.DebtName,
			Mode:            row.Mode,
			LTV:             row.LTV,
			LLTV:            row.LLTV,
			DebtRepay:       row.DebtRepay,
			CollateralSeize: row.CollateralSeize,
			FeeEstimate:     row.FeeEstimate,
			TxHash:          row.TxHash,
			Status:          string(row.Status),
			FailureReason:   row.FailureReason,
			CreatedAt:       row.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt:       row.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close parquet file: %w", err)
	}
	return nil
}
