package collab

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oratora/speakd/internal/audio"
	"github.com/oratora/speakd/internal/protocol"
	"github.com/oratora/speakd/internal/reliability"
)

// HTTPSet builds JSON-over-HTTP clients for all three collaborators. The
// clients are stateless and safe for concurrent use by many sessions.
func HTTPSet(transcriberURL, evaluatorURL, synthesizerURL string) Set {
	client := &http.Client{Timeout: 60 * time.Second}
	return Set{
		Transcriber: &httpTranscriber{url: strings.TrimSpace(transcriberURL), client: client},
		Evaluator:   &httpEvaluator{url: strings.TrimSpace(evaluatorURL), client: client},
		Synthesizer: &httpSynthesizer{url: strings.TrimSpace(synthesizerURL), client: client},
	}
}

type httpTranscriber struct {
	url    string
	client *http.Client
}

type transcribeRequest struct {
	AudioB64 string `json:"audio_b64"`
	Format   string `json:"format"`
}

type transcribeResponse struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

func (t *httpTranscriber) Transcribe(ctx context.Context, pcm []byte) (Transcript, error) {
	// The wire protocol carries bare PCM fragments; the transcription
	// backend wants a self-describing WAV upload.
	wav, err := audio.WrapPCM16(pcm, audio.DefaultSampleRate)
	if err != nil {
		return Transcript{}, &Error{Service: "transcriber", Retryable: false, Err: fmt.Errorf("encode wav: %w", err)}
	}
	req := transcribeRequest{
		AudioB64: base64.StdEncoding.EncodeToString(wav),
		Format:   "wav",
	}
	var res transcribeResponse
	if err := postJSON(ctx, t.client, "transcriber", t.url, req, &res); err != nil {
		return Transcript{}, err
	}
	return Transcript{Text: res.Transcript, Confidence: res.Confidence}, nil
}

type httpEvaluator struct {
	url    string
	client *http.Client
}

type evaluateRequest struct {
	Transcript string `json:"transcript"`
	Subject    string `json:"subject"`
}

type evaluateResponse struct {
	Items        []protocol.EvaluationItem `json:"items"`
	Summary      string                    `json:"summary"`
	FeedbackText string                    `json:"feedback_text"`
}

func (e *httpEvaluator) Evaluate(ctx context.Context, transcript, subject string) (Evaluation, error) {
	req := evaluateRequest{Transcript: transcript, Subject: subject}
	var res evaluateResponse
	if err := postJSON(ctx, e.client, "evaluator", e.url, req, &res); err != nil {
		return Evaluation{}, err
	}
	return Evaluation{Items: res.Items, Summary: res.Summary, FeedbackText: res.FeedbackText}, nil
}

type httpSynthesizer struct {
	url    string
	client *http.Client
}

type synthesizeRequest struct {
	Text string `json:"text"`
}

type synthesizeResponse struct {
	Reference string `json:"reference"`
}

func (s *httpSynthesizer) Synthesize(ctx context.Context, feedbackText string) (string, error) {
	req := synthesizeRequest{Text: feedbackText}
	var res synthesizeResponse
	if err := postJSON(ctx, s.client, "synthesizer", s.url, req, &res); err != nil {
		return "", err
	}
	if strings.TrimSpace(res.Reference) == "" {
		return "", &Error{Service: "synthesizer", Retryable: false, Err: fmt.Errorf("empty audio reference in response")}
	}
	return res.Reference, nil
}

func postJSON(ctx context.Context, client *http.Client, service, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return &Error{Service: service, Retryable: false, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return &Error{Service: service, Retryable: false, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Connection-level failures usually mean the collaborator is down.
		return &Error{Service: service, Retryable: true, Err: fmt.Errorf("send request: %w", err)}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &Error{
			Service:   service,
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
			Err:       fmt.Errorf("http status %d: %s", res.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &Error{Service: service, Retryable: false, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
