package inventory

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

var auditHeader = []string{"id", "productName", "packageName", "visible", "track_inventory", "stock_inventory", "timestamp"}

// AuditEntry is one row of the inventory audit log.
type AuditEntry struct {
	ID             int64
	ProductName    string
	PackageName    string
	Visible        bool
	TrackInventory bool
	StockInventory int
	Timestamp      time.Time
}

// AuditLog appends inventory changes to a CSV file, writing the header when the
// file is new.
type AuditLog struct {
	Path string
	mu   sync.Mutex
}

// Append writes e to the log.
func (l *AuditLog) Append(e AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.Path), 0o755); err != nil {
		return fmt.Errorf("audit log dir: %w", err)
	}
	f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat audit log: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(auditHeader); err != nil {
			return err
		}
	}
	if err := w.Write([]string{
		strconv.FormatInt(e.ID, 10),
		e.ProductName,
		e.PackageName,
		strconv.FormatBool(e.Visible),
		strconv.FormatBool(e.TrackInventory),
		strconv.Itoa(e.StockInventory),
		e.Timestamp.UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}
