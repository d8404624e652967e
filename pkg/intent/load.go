package intent

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// signalFile is the on-disk shape of a signal table.
type signalFile struct {
	Signals []Signal `yaml:"signals"`
}

// LoadSignals reads a signal table from a YAML file. The file shape:
//
//	signals:
//	  - id: sig-schedule-next
//	    intent: schedule_query
//	    confidence: 0.92
//	    phrases: ["next meeting", "my schedule"]
func LoadSignals(path string) ([]Signal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signal table: %w", err)
	}

	var file signalFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse signal table: %w", err)
	}
	if len(file.Signals) == 0 {
		return nil, fmt.Errorf("signal table %s contains no signals", path)
	}

	for i, sig := range file.Signals {
		if sig.ID == "" {
			return nil, fmt.Errorf("signal %d: missing id", i)
		}
		if sig.Intent == "" {
			return nil, fmt.Errorf("signal %s: missing intent", sig.ID)
		}
		if sig.Confidence <= 0 || sig.Confidence > 1 {
			return nil, fmt.Errorf("signal %s: confidence %v out of (0,1]", sig.ID, sig.Confidence)
		}
		if len(sig.Phrases) == 0 {
			return nil, fmt.Errorf("signal %s: no phrases", sig.ID)
		}
	}
	return file.Signals, nil
}
