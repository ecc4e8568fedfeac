package corpus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// Row is one raw input sample: a transcript and its encoded audio file.
type Row struct {
	Transcript string   `parquet:"transcript,optional" json:"transcript"`
	Audio      AudioRef `parquet:"audio,optional" json:"audio"`
}

// AudioRef mirrors the {bytes, path} audio struct of published speech datasets.
type AudioRef struct {
	Bytes []byte `parquet:"bytes,optional" json:"bytes"`
	Path  string `parquet:"path,optional" json:"path,omitempty"`
}

// FindFiles walks root recursively and returns the files whose names end in one
// of exts, in lexical order. With no exts every regular file matches.
func FindFiles(root string, exts ...string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if len(exts) == 0 {
			out = append(out, path)
			return nil
		}
		for _, ext := range exts {
			if strings.HasSuffix(d.Name(), ext) {
				out = append(out, path)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return out, nil
}

// ReadRows loads every input row from a .parquet or .jsonl file.
func ReadRows(path string) ([]Row, error) {
	switch filepath.Ext(path) {
	case ".parquet":
		rows, err := parquet.ReadFile[Row](path)
		if err != nil {
			return nil, fmt.Errorf("read parquet %s: %w", path, err)
		}
		return rows, nil
	case ".jsonl":
		return readJSONL[Row](path)
	default:
		return nil, fmt.Errorf("unsupported input file %s", path)
	}
}

// ReadRecords loads a batch written by the Accumulator.
func ReadRecords(path string) ([]Record, error) {
	switch filepath.Ext(path) {
	case ".parquet":
		records, err := parquet.ReadFile[Record](path)
		if err != nil {
			return nil, fmt.Errorf("read parquet %s: %w", path, err)
		}
		return records, nil
	case ".jsonl":
		return readJSONL[Record](path)
	default:
		return nil, fmt.Errorf("unsupported batch file %s", path)
	}
}

func readJSONL[T any](path string) ([]T, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	var out []T
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1<<20), 256<<20)
	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(strings.TrimSpace(string(data))) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return out, nil
}
