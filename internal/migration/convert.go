package migration

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Payload is converted content ready for the content store.
type Payload struct {
	Data     []byte
	MimeType string
}

// Converter turns a legacy payload into content.
type Converter interface {
	Convert(raw []byte) (Payload, error)
}

// EnvelopeConverter decodes {"mimeType": "...", "data": "<base64>"}.
type EnvelopeConverter struct{}

type envelope struct {
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

func (EnvelopeConverter) Convert(raw []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Payload{}, fmt.Errorf("decode legacy envelope: %w", err)
	}
	if len(env.Data) == 0 {
		return Payload{}, errors.New("legacy envelope has no data")
	}
	return Payload{Data: env.Data, MimeType: env.MimeType}, nil
}
