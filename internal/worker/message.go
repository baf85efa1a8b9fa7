package worker

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageVersion 消息格式版本，格式不兼容变更时递增
const MessageVersion = 1

var ErrMalformedMessage = errors.New("malformed stage message")

type Stage string

const (
	StageExtractionStart Stage = "extraction_start"
	StageExtractionPoll  Stage = "extraction_poll"
	StageAnalysis        Stage = "analysis"
)

var Stages = []Stage{StageExtractionStart, StageExtractionPoll, StageAnalysis}

func (s Stage) Valid() bool {
	switch s {
	case StageExtractionStart, StageExtractionPoll, StageAnalysis:
		return true
	}
	return false
}

// StageMessage 只携带下一阶段定位任务所需的字段，任务状态始终从存储读取
type StageMessage struct {
	V      int    `json:"v"`
	JobID  string `json:"job_id"`
	Stage  Stage  `json:"stage"`
	Bucket string `json:"bucket"`
}

func (m *StageMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func DecodeStageMessage(body []byte) (*StageMessage, error) {
	var m StageMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if m.V != MessageVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedMessage, m.V)
	}
	if m.JobID == "" {
		return nil, fmt.Errorf("%w: missing job_id", ErrMalformedMessage)
	}
	if !m.Stage.Valid() {
		return nil, fmt.Errorf("%w: unknown stage %q", ErrMalformedMessage, m.Stage)
	}
	return &m, nil
}
