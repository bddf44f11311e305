package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/visionagent/backend/internal/analysis/emotion"
	"github.com/visionagent/backend/internal/model/persona"
)

// UnknownUserName 用于标签中没有出现任何已知 user key 的情况。
const UnknownUserName = "Desconocido"

// ErrClassifierDisabled is returned when no classifier endpoint is configured.
var ErrClassifierDisabled = errors.New("image classifier not configured")

// Prediction is the raw output of the image classifier.
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Classifier labels an image.
type Classifier interface {
	Classify(ctx context.Context, image []byte, contentType string) (Prediction, error)
}

// Detection is a prediction resolved against the identity and emotion tables.
type Detection struct {
	UserKey    string  `json:"userKey"`
	UserName   string  `json:"userName"`
	Emotion    string  `json:"emotion"`
	Confidence float64 `json:"confidence"`
	RawLabel   string  `json:"rawLabel"`
}

// Resolver maps classifier class names such as "jesus_triste" to a
// (user, emotion) pair.
type Resolver struct {
	identities persona.Store
	emotions   *emotion.Table
}

// NewResolver creates a Resolver.
func NewResolver(identities persona.Store, emotions *emotion.Table) *Resolver {
	if emotions == nil {
		emotions = emotion.NewTable(nil)
	}
	return &Resolver{identities: identities, emotions: emotions}
}

// Resolve never fails: unknown users resolve to the first configured key
// with the name "Desconocido", unknown emotions to emotion.Unknown.
func (r *Resolver) Resolve(pred Prediction) Detection {
	label := strings.ToLower(strings.TrimSpace(pred.Label))
	det := Detection{
		UserName:   UnknownUserName,
		Emotion:    string(r.emotions.Match(label)),
		Confidence: pred.Confidence,
		RawLabel:   pred.Label,
	}

	if r.identities == nil {
		return det
	}
	identities := r.identities.List()
	for _, identity := range identities {
		key := strings.ToLower(identity.Key)
		if key != "" && strings.Contains(label, key) {
			det.UserKey = identity.Key
			det.UserName = identity.Name
			return det
		}
	}
	if len(identities) > 0 {
		det.UserKey = identities[0].Key
	}
	return det
}

// HTTPClassifier calls an external inference service that accepts the raw
// image body and answers {"label": ..., "confidence": ...}.
type HTTPClassifier struct {
	url  string
	http *http.Client
}

// NewHTTPClassifier returns nil when baseURL is empty.
func NewHTTPClassifier(baseURL string, timeout time.Duration) *HTTPClassifier {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil
	}
	return &HTTPClassifier{
		url:  baseURL + "/predict",
		http: &http.Client{Timeout: timeout},
	}
}

// Classify posts the image and decodes the prediction.
func (c *HTTPClassifier) Classify(ctx context.Context, image []byte, contentType string) (Prediction, error) {
	if c == nil {
		return Prediction{}, ErrClassifierDisabled
	}
	if contentType == "" {
		contentType = http.DetectContentType(image)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(image))
	if err != nil {
		return Prediction{}, fmt.Errorf("build classifier request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Prediction{}, fmt.Errorf("classifier returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var pred Prediction
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&pred); err != nil {
		return Prediction{}, fmt.Errorf("decode classifier response: %w", err)
	}
	if strings.TrimSpace(pred.Label) == "" {
		return Prediction{}, errors.New("classifier returned an empty label")
	}
	return pred, nil
}
