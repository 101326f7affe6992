package embed

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync/atomic"

	"go.uber.org/zap"
)

// Worker is a Runtime backed by an isolated sidecar process that owns the
// loaded model state. The wire format is newline-delimited JSON over
// stdio; every reply carries the process's resident size so the pool can
// apply its memory policy.
type Worker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	logger *zap.Logger

	nextID int64
	rss    atomic.Uint64
}

type workerRequest struct {
	ID        int64    `json:"id"`
	Op        string   `json:"op"`
	Texts     []string `json:"texts,omitempty"`
	Text      string   `json:"text,omitempty"`
	Query     string   `json:"query,omitempty"`
	Documents []string `json:"documents,omitempty"`
}

type workerReply struct {
	ID     int64             `json:"id"`
	Error  string            `json:"error,omitempty"`
	Hybrid []hybridPayload   `json:"hybrid,omitempty"`
	Query  *queryPayload     `json:"query,omitempty"`
	Scores []float64         `json:"scores,omitempty"`
	Memory workerMemoryStats `json:"memory"`
}

type hybridPayload struct {
	Dense           []float32 `json:"dense"`
	LateInteraction []byte    `json:"late_interaction,omitempty"`
	Scale           float32   `json:"scale"`
}

type queryPayload struct {
	Dense           []float32   `json:"dense"`
	LateInteraction [][]float32 `json:"late_interaction,omitempty"`
}

type workerMemoryStats struct {
	RSS uint64 `json:"rss"`
}

// SpawnWorker starts the sidecar process. command is the sidecar binary
// plus its arguments (model paths etc.).
func SpawnWorker(command []string, logger *zap.Logger) (*Worker, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("worker command not configured")
	}
	cmd := exec.Command(command[0], command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	logger.Debug("worker started", zap.Int("pid", cmd.Process.Pid))
	return &Worker{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReaderSize(stdout, 1<<20),
		logger: logger,
	}, nil
}

func (w *Worker) roundTrip(req workerRequest) (*workerReply, error) {
	w.nextID++
	req.ID = w.nextID
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')
	if _, err := w.stdin.Write(data); err != nil {
		return nil, fmt.Errorf("worker write: %w", err)
	}
	for {
		line, err := w.stdout.ReadBytes('\n')
		if err != nil {
			return nil, fmt.Errorf("worker read: %w", err)
		}
		var reply workerReply
		if err := json.Unmarshal(line, &reply); err != nil {
			return nil, fmt.Errorf("worker reply decode: %w", err)
		}
		if reply.ID != req.ID {
			w.logger.Debug("discarding stale worker reply", zap.Int64("id", reply.ID))
			continue
		}
		w.rss.Store(reply.Memory.RSS)
		if reply.Error != "" {
			return nil, fmt.Errorf("worker: %s", reply.Error)
		}
		return &reply, nil
	}
}

func (w *Worker) Hybrid(texts []string) ([]HybridEmbedding, error) {
	reply, err := w.roundTrip(workerRequest{Op: "hybrid", Texts: texts})
	if err != nil {
		return nil, err
	}
	if len(reply.Hybrid) != len(texts) {
		return nil, fmt.Errorf("worker returned %d embeddings for %d texts", len(reply.Hybrid), len(texts))
	}
	out := make([]HybridEmbedding, len(reply.Hybrid))
	for i, h := range reply.Hybrid {
		out[i] = HybridEmbedding{Dense: h.Dense, LateInteraction: h.LateInteraction, Scale: h.Scale}
	}
	return out, nil
}

func (w *Worker) Query(text string) (QueryEmbedding, error) {
	reply, err := w.roundTrip(workerRequest{Op: "query", Text: queryPrefix + text})
	if err != nil {
		return QueryEmbedding{}, err
	}
	if reply.Query == nil {
		return QueryEmbedding{}, fmt.Errorf("worker returned no query embedding")
	}
	return QueryEmbedding{Dense: reply.Query.Dense, LateInteraction: reply.Query.LateInteraction}, nil
}

func (w *Worker) Rerank(query string, documents []string) ([]float64, error) {
	reply, err := w.roundTrip(workerRequest{Op: "rerank", Query: query, Documents: documents})
	if err != nil {
		return nil, err
	}
	if len(reply.Scores) != len(documents) {
		return nil, fmt.Errorf("worker returned %d scores for %d documents", len(reply.Scores), len(documents))
	}
	return reply.Scores, nil
}

func (w *Worker) RSS() uint64 { return w.rss.Load() }

// Close posts a shutdown message, closes stdin, and then kills the process
// without waiting for it to exit on its own.
func (w *Worker) Close() error {
	req := workerRequest{Op: "shutdown"}
	if data, err := json.Marshal(req); err == nil {
		_, _ = w.stdin.Write(append(data, '\n'))
	}
	_ = w.stdin.Close()
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	return w.cmd.Wait()
}
