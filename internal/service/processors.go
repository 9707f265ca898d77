package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"strings"

	"github.com/raphaelgruber/mediaflow/internal/blob"
	"github.com/raphaelgruber/mediaflow/internal/extract"
	"github.com/raphaelgruber/mediaflow/internal/llm"
	"github.com/raphaelgruber/mediaflow/internal/models"
	"github.com/raphaelgruber/mediaflow/internal/parser"
)

const maxKeywords = 10

// DocumentProcessor extracts text, summary, keywords and entities from
// documents and emits the entity sequence for the graph.
type DocumentProcessor struct {
	extractor *extract.Extractor
	profiler  llm.Profiler
	logger    *slog.Logger
}

// NewDocumentProcessor creates a document processor. A nil profiler uses the
// extractive profile.
func NewDocumentProcessor(extractor *extract.Extractor, profiler llm.Profiler, logger *slog.Logger) *DocumentProcessor {
	if profiler == nil {
		profiler = llm.Extractive{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentProcessor{extractor: extractor, profiler: profiler, logger: logger}
}

// Process implements Processor.
func (p *DocumentProcessor) Process(ctx context.Context, item models.ContentItem, location string) (*Outcome, error) {
	doc, err := parser.ExtractText(item.FileName, item.MediaType, item.Payload)
	if err != nil {
		return nil, fmt.Errorf("extract text from %s: %w", item.FileName, err)
	}

	sentences := parser.SplitSentences(doc.Text)
	summary := parser.Summarize(sentences, parser.DefaultSummaryRatio)
	keywords := parser.Keywords(doc.Text, maxKeywords)

	// Entities come from the summary; short summaries can miss every one.
	analysis := p.extractor.Analyze(summary)
	if analysis.Main == nil {
		analysis = p.extractor.Analyze(sentences)
	}

	var profile string
	if analysis.Main != nil {
		profile, err = p.profiler.Profile(ctx, analysis.Main.Name, sentences)
		if err != nil {
			p.logger.Warn("profile generation failed, using extractive profile", "topic", analysis.Main.Name, "error", err)
			profile, _ = llm.Extractive{}.Profile(ctx, analysis.Main.Name, sentences)
		}
	}

	learner := extract.LearnerNode(item.FileName, item.MediaType)
	seq := p.extractor.Sequence(item.ContentID, learner, analysis, profile)

	return &Outcome{
		Message: fmt.Sprintf("Processed in %s stage: %d sentences, %d entities", item.Category, len(sentences), len(analysis.Entities)),
		Artifacts: map[string][]byte{
			blob.ArtifactText:     []byte(doc.Text),
			blob.ArtifactSummary:  []byte(strings.Join(summary, "\n")),
			blob.ArtifactKeywords: []byte(strings.Join(keywords, "\n")),
		},
		Graph: &models.GraphMessage{
			Kind:      models.GraphKindEntities,
			JobID:     item.JobID,
			ContentID: item.ContentID,
			FileName:  item.FileName,
			MediaType: item.MediaType,
			Location:  location,
			Elements:  seq,
		},
	}, nil
}

// ImageProcessor reads the format and dimensions of images and emits an
// image descriptor for the graph.
type ImageProcessor struct{}

// Process implements Processor.
func (ImageProcessor) Process(_ context.Context, item models.ContentItem, location string) (*Outcome, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(item.Payload))
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", item.FileName, err)
	}

	desc := models.ImageDescriptor{
		ContentID:      item.ContentID,
		FileName:       item.FileName,
		Format:         format,
		Width:          cfg.Width,
		Height:         cfg.Height,
		PredictedClass: Orientation(cfg.Width, cfg.Height),
		Location:       location,
	}
	raw, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("encode descriptor: %w", err)
	}

	return &Outcome{
		Message:   fmt.Sprintf("Processed in %s stage: %s %dx%d", item.Category, format, cfg.Width, cfg.Height),
		Artifacts: map[string][]byte{blob.ArtifactDescriptor: raw},
		Graph: &models.GraphMessage{
			Kind:      models.GraphKindImage,
			JobID:     item.JobID,
			ContentID: item.ContentID,
			FileName:  item.FileName,
			MediaType: item.MediaType,
			Location:  location,
			Images:    []models.ImageDescriptor{desc},
		},
	}, nil
}

// Orientation classifies an image by its aspect ratio.
func Orientation(width, height int) string {
	switch {
	case width <= 0 || height <= 0:
		return "unknown"
	case width*2 >= height*5:
		return "panorama"
	case width > height:
		return "landscape"
	case width < height:
		return "portrait"
	}
	return "square"
}

// MediaProcessor handles audio and video: the payload is stored and reported.
type MediaProcessor struct{}

// Process implements Processor.
func (MediaProcessor) Process(_ context.Context, item models.ContentItem, _ string) (*Outcome, error) {
	if len(item.Payload) == 0 {
		return nil, fmt.Errorf("%s %s has no payload", strings.ToLower(string(item.Category)), item.FileName)
	}
	return &Outcome{
		Message: fmt.Sprintf("Processed in %s stage: %d bytes stored", item.Category, len(item.Payload)),
	}, nil
}
