package corpus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"
)

// Record is one training example in an output batch.
type Record struct {
	Prompt string `parquet:"prompt" json:"prompt"`
}

// Format serialises a batch of records to a file.
type Format interface {
	Name() string
	Ext() string
	Write(path string, records []Record) error
}

// FormatFor returns the output format registered under name.
func FormatFor(name string) (Format, error) {
	switch name {
	case "", "parquet":
		return parquetFormat{}, nil
	case "jsonl":
		return jsonlFormat{}, nil
	default:
		return nil, fmt.Errorf("unsupported corpus format %q", name)
	}
}

type parquetFormat struct{}

func (parquetFormat) Name() string { return "parquet" }
func (parquetFormat) Ext() string  { return ".parquet" }

func (parquetFormat) Write(path string, records []Record) error {
	if err := parquet.WriteFile(path, records); err != nil {
		return fmt.Errorf("write parquet %s: %w", path, err)
	}
	return nil
}

type jsonlFormat struct{}

func (jsonlFormat) Name() string { return "jsonl" }
func (jsonlFormat) Ext() string  { return ".jsonl" }

func (jsonlFormat) Write(path string, records []Record) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			file.Close()
			return fmt.Errorf("encode record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return file.Close()
}
