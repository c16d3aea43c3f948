package protocol

import (
	"encoding/json"
	"time"
)

// AudioJob describes one chapter narration request.
type AudioJob struct {
	ID             string          `json:"id"`
	ContentID      string          `json:"contentId"`
	ContentType    string          `json:"contentType"`
	ChapterIndex   int             `json:"chapterIndex"`
	ChapterContent json.RawMessage `json:"chapterContent"`
	Voice          string          `json:"voice"`
}

// Job status values reported in progress events.
const (
	StatusQueued       = "queued"
	StatusStarting     = "starting"
	StatusProcessing   = "processing"
	StatusSynthesizing = "synthesizing"
	StatusFinalizing   = "finalizing"
	StatusUpdating     = "updating"
	StatusComplete     = "complete"
	StatusError        = "error"
)

// ProgressEvent is emitted by a worker while a job runs. The last event of a
// job is terminal: status complete with success true, or status error.
type ProgressEvent struct {
	JobID        string    `json:"jobId"`
	ChapterIndex int       `json:"chapterIndex"`
	Progress     int       `json:"progress"`
	Status       string    `json:"status"`
	Success      *bool     `json:"success,omitempty"`
	AudioPath    string    `json:"audioPath,omitempty"`
	Message      string    `json:"message,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Terminal reports whether no further events follow e.
func (e ProgressEvent) Terminal() bool {
	return e.Status == StatusComplete || e.Status == StatusError
}

const (
	SubjectAudioJob            = "audio.chapter.job"
	SubjectAudioProgressPrefix = "audio.chapter.progress"
)

// ProgressSubject is the subject progress of jobID is published on.
func ProgressSubject(jobID string) string {
	return SubjectAudioProgressPrefix + "." + jobID
}

// Worker presence subjects.
const (
	SubjectWorkerAnnounce        = "audio.worker.announce"
	SubjectWorkerHeartbeatPrefix = "audio.worker.heartbeat"
)

// WorkerHeartbeatSubject is the subject nodeID sends heartbeats on.
func WorkerHeartbeatSubject(nodeID string) string {
	return SubjectWorkerHeartbeatPrefix + "." + nodeID
}

// WorkerAnnouncement advertises an audio worker process. Heartbeats carry the
// same payload so late subscribers learn the full description.
type WorkerAnnouncement struct {
	NodeID      string    `json:"nodeId"`
	Concurrency int       `json:"concurrency"`
	Voices      []string  `json:"voices,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
