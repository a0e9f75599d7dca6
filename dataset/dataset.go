// Package dataset reads instruction records and writes prediction results.
package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Record is one instruction example.
type Record struct {
	Instruction string `json:"instruction"`
	Input       string `json:"input"`
	Output      string `json:"output"`
}

// ReadTSV reads records of exactly three tab separated fields.
// Other lines are logged and skipped, order of the rest is kept.
func ReadTSV(r io.Reader, log zerolog.Logger) ([]Record, error) {
	var records []Record
	br := bufio.NewReader(r)
	for n := 1; ; n++ {
		line, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			return records, err
		}
		if line == "" && err == io.EOF {
			return records, nil
		}
		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
		if terms := strings.Split(line, "\t"); len(terms) == 3 {
			records = append(records, Record{Instruction: terms[0], Input: terms[1], Output: terms[2]})
		} else {
			log.Warn().Int("line", n).Int("fields", len(terms)).Str("text", line).Msg("line error")
		}
		if err == io.EOF {
			return records, nil
		}
	}
}

// LoadTSV reads records from file at path.
func LoadTSV(path string, log zerolog.Logger) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := ReadTSV(f, log.With().Str("file", path).Logger())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return records, nil
}

// BuildPrompt formats record as a question, input is omitted when blank.
func BuildPrompt(r Record) string {
	if strings.TrimSpace(r.Input) != "" {
		return "问：" + r.Instruction + "\n" + r.Input + "\n答："
	}
	return "问：" + r.Instruction + "\n答："
}

// Result compares predictions of the base model and the adapted one.
type Result struct {
	Instruction   string `json:"instruction"`
	Input         string `json:"input"`
	Output        string `json:"output"`
	PredictBefore string `json:"predict_before"`
	PredictAfter  string `json:"predict_after"`
}

// WriteResults writes one JSON object per line, non ASCII text is kept as is.
func WriteResults(w io.Writer, results []Result) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// SaveResults writes results into file at path.
func SaveResults(path string, results []Result) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := WriteResults(w, results); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
