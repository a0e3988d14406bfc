// Package tesseract adapts gosseract to the ocr.Engine port. It needs cgo
// and a local Tesseract installation, so nothing else imports it directly;
// the container wires it in for production runs.
package tesseract

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"

	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/internal/ocr"
)

type clientKey struct {
	language string
	psm      int
}

// Engine keeps idle Tesseract clients per configuration.
// A client is only ever used by one call at a time.
type Engine struct {
	mu     sync.Mutex
	idle   map[clientKey][]*gosseract.Client
	closed bool
}

// New verifies that Tesseract can be initialized with cfg and returns an engine
func New(cfg ocr.Config) (*Engine, error) {
	e := &Engine{idle: make(map[clientKey][]*gosseract.Client)}
	key := keyOf(cfg)
	client, err := newClient(key)
	if err != nil {
		return nil, err
	}
	e.release(key, client)
	return e, nil
}

// Recognize runs OCR on image bytes and reports mean word confidence
func (e *Engine) Recognize(ctx context.Context, image []byte, cfg ocr.Config) (ocr.Result, error) {
	if err := ctx.Err(); err != nil {
		return ocr.Result{}, apperrors.NewOCRInvocationError("ocr cancelled before start", err)
	}
	key := keyOf(cfg)
	client, err := e.acquire(key)
	if err != nil {
		return ocr.Result{}, err
	}

	res, err := recognize(client, image)
	if err != nil {
		// A failed client may hold broken state, do not reuse it
		_ = client.Close()
		return ocr.Result{}, apperrors.NewOCRInvocationError("tesseract failed", err)
	}
	e.release(key, client)
	return res, nil
}

// Close releases every idle client
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for key, clients := range e.idle {
		for _, c := range clients {
			_ = c.Close()
		}
		delete(e.idle, key)
	}
	return nil
}

func (e *Engine) acquire(key clientKey) (*gosseract.Client, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, apperrors.NewOCRInvocationError("tesseract engine is closed", nil)
	}
	if clients := e.idle[key]; len(clients) > 0 {
		c := clients[len(clients)-1]
		e.idle[key] = clients[:len(clients)-1]
		e.mu.Unlock()
		return c, nil
	}
	e.mu.Unlock()
	return newClient(key)
}

func (e *Engine) release(key clientKey, c *gosseract.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		_ = c.Close()
		return
	}
	e.idle[key] = append(e.idle[key], c)
}

func keyOf(cfg ocr.Config) clientKey {
	lang := cfg.Language
	if lang == "" {
		lang = "eng"
	}
	return clientKey{language: lang, psm: cfg.PageSegMode}
}

func newClient(key clientKey) (*gosseract.Client, error) {
	client := gosseract.NewClient()
	if err := client.SetLanguage(strings.Split(key.language, "+")...); err != nil {
		_ = client.Close()
		return nil, apperrors.NewOCRInvocationError(fmt.Sprintf("failed to set language %q", key.language), err)
	}
	if key.psm > 0 {
		if err := client.SetPageSegMode(gosseract.PageSegMode(key.psm)); err != nil {
			_ = client.Close()
			return nil, apperrors.NewOCRInvocationError(fmt.Sprintf("failed to set page segmentation mode %d", key.psm), err)
		}
	}
	return client, nil
}

func recognize(client *gosseract.Client, image []byte) (ocr.Result, error) {
	if err := client.SetImageFromBytes(image); err != nil {
		return ocr.Result{}, fmt.Errorf("set image: %w", err)
	}
	text, err := client.Text()
	if err != nil {
		return ocr.Result{}, fmt.Errorf("extract text: %w", err)
	}

	res := ocr.Result{Text: strings.TrimSpace(text)}
	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return res, nil
	}
	var total float64
	for _, box := range boxes {
		total += box.Confidence
	}
	res.Confidence = total / float64(len(boxes))
	return res, nil
}
