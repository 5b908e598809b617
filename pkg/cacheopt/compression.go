package cacheopt

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/searchmesh/cacheopt/pkg/observability"
)

const (
	// floatsPrefix marks a fixed-precision serialized float array.
	// Cheaper than generic JSON for numeric arrays.
	floatsPrefix = "FLOATS:"

	// maxSearchContentLength bounds the content field of cached search
	// results, terminal "..." included
	maxSearchContentLength = 5000
)

// Fields stripped from search results before caching. They are large,
// reproducible from the source, and useless to a cache consumer.
var strippedSearchFields = []string{"embedding", "rawVector", "_additional"}

// CompressionEngine serializes and optionally gzips cache payloads by
// content type. Compression that saves less than the configured ratio is
// discarded; compression failures downgrade to uncompressed storage and
// never fail the caller.
type CompressionEngine struct {
	config  CompressionConfig
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewCompressionEngine creates an engine with the given configuration.
func NewCompressionEngine(config CompressionConfig, logger observability.Logger, metrics observability.MetricsClient) *CompressionEngine {
	if logger == nil {
		logger = observability.NewLogger("cacheopt.compression")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if config.MinRatio < 1.0 {
		config.MinRatio = 1.1
	}
	if config.MaxDecompressedBytes <= 0 {
		config.MaxDecompressedBytes = 100 * 1024 * 1024
	}

	return &CompressionEngine{config: config, logger: logger, metrics: metrics}
}

// serializationClass maps a content type to its threshold/level class.
func serializationClass(contentType ContentType) string {
	switch contentType {
	case ContentTypeEmbedding:
		return "embedding"
	case ContentTypeSearch:
		return "search"
	default:
		return "json"
	}
}

// AdaptiveThreshold scales the class base threshold by memory pressure:
// under pressure compression kicks in earlier; with slack it kicks in
// later to save CPU.
func (e *CompressionEngine) AdaptiveThreshold(contentType ContentType, memoryPressure float64) int {
	base := e.config.Thresholds[serializationClass(contentType)]
	if base <= 0 {
		base = 1024
	}

	switch {
	case memoryPressure > 0.8:
		return int(float64(base) * 0.5)
	case memoryPressure > 0.6:
		return int(float64(base) * 0.7)
	case memoryPressure < 0.3:
		return int(float64(base) * 1.5)
	default:
		return base
	}
}

// CompressEntry serializes and compresses data at neutral memory pressure.
func (e *CompressionEngine) CompressEntry(data interface{}, contentType ContentType) (*CompressedEntry, error) {
	return e.CompressEntryWithPressure(data, contentType, 0.5)
}

// CompressEntryWithPressure serializes data per its content type and gzips
// it when the serialized size crosses the pressure-adjusted threshold and
// compression pays for itself (ratio >= MinRatio).
func (e *CompressionEngine) CompressEntryWithPressure(data interface{}, contentType ContentType, memoryPressure float64) (*CompressedEntry, error) {
	serialized, err := e.serialize(data, contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}

	entry := &CompressedEntry{
		Payload:          serialized,
		Compressed:       false,
		OriginalSize:     len(serialized),
		CompressedSize:   len(serialized),
		CompressionRatio: 1.0,
		Algorithm:        AlgorithmNone,
		ContentType:      contentType,
		CreatedAt:        time.Now(),
	}

	threshold := e.AdaptiveThreshold(contentType, memoryPressure)
	if len(serialized) < threshold {
		return entry, nil
	}

	compressed, err := e.gzipBytes([]byte(serialized), e.level(contentType))
	if err != nil {
		// Never fail the caller on compression errors
		e.logger.Warn("Compression failed, storing uncompressed", map[string]interface{}{
			"content_type": string(contentType),
			"size":         len(serialized),
			"error":        err.Error(),
		})
		e.metrics.IncrementCounterWithLabels("cacheopt.compression.errors", 1, map[string]string{
			"content_type": string(contentType),
		})
		return entry, nil
	}

	ratio := float64(len(serialized)) / float64(len(compressed))
	if ratio < e.config.MinRatio {
		// Saving under ~10% is not worth the CPU and decompress latency
		e.metrics.IncrementCounterWithLabels("cacheopt.compression.skipped_low_ratio", 1, map[string]string{
			"content_type": string(contentType),
		})
		return entry, nil
	}

	entry.Payload = base64.StdEncoding.EncodeToString(compressed)
	entry.Compressed = true
	entry.CompressedSize = len(compressed)
	entry.CompressionRatio = ratio
	entry.Algorithm = AlgorithmGzip

	e.metrics.RecordHistogram("cacheopt.compression.ratio", ratio, map[string]string{
		"content_type": string(contentType),
	})

	return entry, nil
}

// EncodeUncompressed serializes data without attempting compression.
// Used for content types with compression disabled.
func (e *CompressionEngine) EncodeUncompressed(data interface{}, contentType ContentType) (*CompressedEntry, error) {
	serialized, err := e.serialize(data, contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}

	return &CompressedEntry{
		Payload:          serialized,
		Compressed:       false,
		OriginalSize:     len(serialized),
		CompressedSize:   len(serialized),
		CompressionRatio: 1.0,
		Algorithm:        AlgorithmNone,
		ContentType:      contentType,
		CreatedAt:        time.Now(),
	}, nil
}

// DecompressEntry reverses CompressEntry: gunzips when needed and
// deserializes per the recorded content type.
func (e *CompressionEngine) DecompressEntry(entry *CompressedEntry) (interface{}, error) {
	payload := entry.Payload

	if entry.Compressed {
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: base64 decode: %v", ErrDecompressionFailed, err)
		}
		decompressed, err := e.gunzipBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
		}
		payload = string(decompressed)
	}

	return e.deserialize(payload, entry.ContentType)
}

func (e *CompressionEngine) level(contentType ContentType) int {
	if level, ok := e.config.Levels[serializationClass(contentType)]; ok {
		return level
	}
	return gzip.DefaultCompression
}

func (e *CompressionEngine) gzipBytes(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := gz.Write(data); err != nil {
		_ = gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *CompressionEngine) gunzipBytes(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = gz.Close()
	}()

	// Bound output to guard against decompression bombs
	limited := io.LimitReader(gz, e.config.MaxDecompressedBytes)
	return io.ReadAll(limited)
}

// Serialization

func (e *CompressionEngine) serialize(data interface{}, contentType ContentType) (string, error) {
	switch contentType {
	case ContentTypeEmbedding:
		if floats, ok := asFloatSlice(data); ok {
			return encodeFloats(floats), nil
		}
	case ContentTypeSearch:
		sanitized, err := sanitizeSearchPayload(data)
		if err != nil {
			return "", err
		}
		data = sanitized
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func (e *CompressionEngine) deserialize(payload string, contentType ContentType) (interface{}, error) {
	if contentType == ContentTypeEmbedding && strings.HasPrefix(payload, floatsPrefix) {
		return decodeFloats(payload)
	}

	var out interface{}
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserializationFailed, err)
	}
	return out, nil
}

// encodeFloats renders a float array at fixed five-decimal precision.
func encodeFloats(floats []float64) string {
	var sb strings.Builder
	sb.WriteString(floatsPrefix)
	for i, f := range floats {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(f, 'f', 5, 64))
	}
	return sb.String()
}

func decodeFloats(payload string) ([]float64, error) {
	body := strings.TrimPrefix(payload, floatsPrefix)
	if body == "" {
		return []float64{}, nil
	}

	parts := strings.Split(body, ",")
	floats := make([]float64, len(parts))
	for i, part := range parts {
		f, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid float at index %d: %v", ErrDeserializationFailed, i, err)
		}
		floats[i] = f
	}
	return floats, nil
}

func asFloatSlice(data interface{}) ([]float64, bool) {
	switch v := data.(type) {
	case []float64:
		return v, true
	case []float32:
		out := make([]float64, len(v))
		for i, f := range v {
			out[i] = float64(f)
		}
		return out, true
	case []interface{}:
		out := make([]float64, len(v))
		for i, item := range v {
			f, ok := item.(float64)
			if !ok {
				return nil, false
			}
			out[i] = f
		}
		return out, true
	default:
		return nil, false
	}
}

// sanitizeSearchPayload normalizes a search payload through JSON and strips
// non-essential fields; oversized content fields are truncated in place.
func sanitizeSearchPayload(data interface{}) (interface{}, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return nil, err
	}
	return sanitizeValue(generic), nil
}

func sanitizeValue(v interface{}) interface{} {
	switch value := v.(type) {
	case map[string]interface{}:
		for _, field := range strippedSearchFields {
			delete(value, field)
		}
		if content, ok := value["content"].(string); ok && len(content) > maxSearchContentLength {
			value["content"] = content[:maxSearchContentLength-3] + "..."
			value["contentTruncated"] = true
		}
		for key, nested := range value {
			value[key] = sanitizeValue(nested)
		}
		return value
	case []interface{}:
		for i, item := range value {
			value[i] = sanitizeValue(item)
		}
		return value
	default:
		return v
	}
}
