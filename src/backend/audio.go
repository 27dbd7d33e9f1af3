package backend

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultAudioBaseURL = "https://api.openai.com/v1"
	defaultSTTModel     = "whisper-1"
	defaultTTSModel     = "tts-1"
	defaultVoice        = "alloy"
	defaultSampleRate   = 24000
)

// AudioClient talks to an OpenAI-compatible transcription and speech API.
// Synthesized speech is cached on disk keyed by the request parameters.
type AudioClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	sttModel   string
	ttsModel   string
	voice      string
	cacheDir   string
}

// AudioOption configures an AudioClient.
type AudioOption func(*AudioClient)

func WithAPIKey(key string) AudioOption {
	return func(c *AudioClient) { c.apiKey = key }
}

func WithBaseURL(url string) AudioOption {
	return func(c *AudioClient) { c.baseURL = strings.TrimSuffix(url, "/") }
}

func WithHTTPClient(client *http.Client) AudioOption {
	return func(c *AudioClient) { c.httpClient = client }
}

// WithModels sets the default transcription and speech models.
func WithModels(stt, tts string) AudioOption {
	return func(c *AudioClient) {
		if stt != "" {
			c.sttModel = stt
		}
		if tts != "" {
			c.ttsModel = tts
		}
	}
}

func WithVoice(voice string) AudioOption {
	return func(c *AudioClient) { c.voice = voice }
}

// WithCacheDir sets where synthesized speech is stored.
func WithCacheDir(dir string) AudioOption {
	return func(c *AudioClient) { c.cacheDir = dir }
}

// NewAudioClient creates an AudioClient.
func NewAudioClient(opts ...AudioOption) *AudioClient {
	c := &AudioClient{
		baseURL:    defaultAudioBaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		sttModel:   defaultSTTModel,
		ttsModel:   defaultTTSModel,
		voice:      defaultVoice,
		cacheDir:   filepath.Join(os.TempDir(), "realtime-speech"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type transcriptionResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		Text string `json:"text"`
	} `json:"segments"`
}

// Transcribe uploads audio and yields the transcript one segment at a time.
// Raw pcm16 input is wrapped in a WAV container first.
func (c *AudioClient) Transcribe(ctx context.Context, audio []byte, opts TranscribeOptions) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if len(audio) == 0 {
			yield("", errors.New("audio: empty buffer"))
			return
		}
		filename, payload := "audio.wav", audio
		switch opts.Format {
		case "", "pcm16":
			rate := opts.SampleRate
			if rate == 0 {
				rate = defaultSampleRate
			}
			payload = wavFromPCM16(audio, rate)
		default:
			filename = "audio." + opts.Format
		}

		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, err := mw.CreateFormFile("file", filename)
		if err == nil {
			_, err = part.Write(payload)
		}
		if err == nil {
			err = mw.WriteField("model", firstNonEmpty(opts.Model, c.sttModel))
		}
		if err == nil {
			err = mw.WriteField("response_format", "verbose_json")
		}
		if err == nil && opts.Language != "" {
			err = mw.WriteField("language", opts.Language)
		}
		if err == nil {
			err = mw.Close()
		}
		if err != nil {
			yield("", fmt.Errorf("audio: build upload: %w", err))
			return
		}

		data, err := c.do(ctx, "/audio/transcriptions", mw.FormDataContentType(), &body)
		if err != nil {
			yield("", err)
			return
		}

		var tr transcriptionResponse
		if err := json.Unmarshal(data, &tr); err != nil {
			yield("", fmt.Errorf("audio: decode transcription: %w", err))
			return
		}
		if len(tr.Segments) == 0 {
			if text := strings.TrimSpace(tr.Text); text != "" {
				yield(text, nil)
			}
			return
		}
		for _, seg := range tr.Segments {
			text := strings.TrimSpace(seg.Text)
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

// Synthesize converts text to speech. Identical requests are served from the
// cache directory without calling the API.
func (c *AudioClient) Synthesize(ctx context.Context, text string, opts SpeechOptions) (Speech, error) {
	req := speechRequest{
		Model:          firstNonEmpty(opts.Model, c.ttsModel),
		Input:          text,
		Voice:          firstNonEmpty(opts.Voice, c.voice),
		ResponseFormat: firstNonEmpty(opts.Format, "mp3"),
	}
	reqBody, err := json.Marshal(req)
	if err != nil {
		return Speech{}, fmt.Errorf("audio: marshal request: %w", err)
	}

	key := SpeechCacheKey(reqBody)
	audioPath := filepath.Join(c.cacheDir, key+"."+req.ResponseFormat)
	if _, err := os.Stat(audioPath); err == nil {
		return Speech{FilePath: audioPath, CacheKey: key, Cached: true}, nil
	}

	data, err := c.do(ctx, "/audio/speech", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return Speech{}, err
	}

	if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
		return Speech{}, fmt.Errorf("audio: cache dir: %w", err)
	}
	if err := writeFileAtomic(audioPath, data); err != nil {
		return Speech{}, fmt.Errorf("audio: write speech: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(c.cacheDir, key+".json"), reqBody); err != nil {
		return Speech{}, fmt.Errorf("audio: write speech metadata: %w", err)
	}
	return Speech{FilePath: audioPath, CacheKey: key}, nil
}

// SpeechCacheKey is the hex sha256 of a serialized speech request.
func SpeechCacheKey(request []byte) string {
	sum := sha256.Sum256(request)
	return hex.EncodeToString(sum[:])
}

func (c *AudioClient) do(ctx context.Context, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("audio: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("audio: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("audio: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &errResp) == nil && errResp.Error.Message != "" {
			return nil, fmt.Errorf("audio: %s", errResp.Error.Message)
		}
		return nil, fmt.Errorf("audio: unexpected status %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".speech-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// wavFromPCM16 prepends a 44-byte RIFF header for mono little-endian pcm16.
func wavFromPCM16(pcm []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVEfmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
