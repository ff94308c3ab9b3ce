package writer

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"

	"snowpulse/models"
)

// encodeNDJSON renders one envelope per line.
func encodeNDJSON(rows []models.Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, row := range rows {
		if err := enc.Encode(row); err != nil {
			return nil, fmt.Errorf("encode row %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// encodeDocuments marshals content and metadata separately for sinks that
// keep them in two document columns.
func encodeDocuments(row models.Envelope) (content, metadata []byte, err error) {
	content, err = json.Marshal(row.Content)
	if err != nil {
		return nil, nil, fmt.Errorf("encode content: %w", err)
	}
	metadata, err = json.Marshal(row.Metadata.Map())
	if err != nil {
		return nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	return content, metadata, nil
}
