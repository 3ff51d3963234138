package review

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zhangjing-777/multimedia-review-new/internal/classify"
	"github.com/zhangjing-777/multimedia-review-new/internal/observability"
	"github.com/zhangjing-777/multimedia-review-new/internal/state"
	"github.com/zhangjing-777/multimedia-review-new/internal/status"
	"github.com/zhangjing-777/multimedia-review-new/internal/strategy"
)

// ProcessorOptions configures a Processor. Store, Status, Coordinator,
// Classifier, Blobs and Strategies are required; Documents and Frames may be
// nil when the deployment reviews no documents or videos.
type ProcessorOptions struct {
	Store       state.Store
	Status      status.Store
	Coordinator *Coordinator
	Classifier  classify.Classifier
	Documents   classify.DocumentExtractor
	Frames      classify.FrameExtractor
	Blobs       storageLocalizer
	Strategies  *strategy.Registry
	Logger      *logrus.Logger
}

// storageLocalizer is the slice of the blob store the processor needs.
type storageLocalizer interface {
	Localize(ctx context.Context, key string) (string, func(), error)
}

// Processor runs one file through its type's classification pipeline and
// persists every finding. The caller holds the file lease for the duration.
type Processor struct {
	store       state.Store
	status      status.Store
	coordinator *Coordinator
	classifier  classify.Classifier
	documents   classify.DocumentExtractor
	frames      classify.FrameExtractor
	blobs       storageLocalizer
	strategies  *strategy.Registry
	log         *logrus.Logger
	now         func() time.Time
}

func NewProcessor(opts ProcessorOptions) (*Processor, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("review: Store is required")
	}
	if opts.Status == nil {
		return nil, fmt.Errorf("review: Status is required")
	}
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("review: Coordinator is required")
	}
	if opts.Classifier == nil {
		return nil, fmt.Errorf("review: Classifier is required")
	}
	if opts.Blobs == nil {
		return nil, fmt.Errorf("review: Blobs is required")
	}
	if opts.Strategies == nil {
		return nil, fmt.Errorf("review: Strategies is required")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Processor{
		store:       opts.Store,
		status:      opts.Status,
		coordinator: opts.Coordinator,
		classifier:  opts.Classifier,
		documents:   opts.Documents,
		frames:      opts.Frames,
		blobs:       opts.Blobs,
		strategies:  opts.Strategies,
		log:         log,
		now:         time.Now,
	}, nil
}

// ProcessFile classifies one file and records the outcome. Classification
// failures are terminal for the file, not for the call: the file is marked
// failed with the error message, findings persisted before the failure are
// kept, and nil is returned so the work unit is acknowledged. A non-nil
// return means the infrastructure failed and the unit should be retried.
// Aggregation runs in every case where the file reached a terminal status.
func (p *Processor) ProcessFile(ctx context.Context, taskID, fileID string) error {
	file, ok, err := p.store.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrFileNotFound
	}
	if file.Status != FilePending && file.Status != FileProcessing {
		p.log.WithFields(logrus.Fields{"file_id": fileID, "status": file.Status}).Info("skipping settled file")
		if serr := p.status.SetFileStatus(ctx, fileID, status.Doc{Status: "skipped", Detail: "file already " + file.Status}); serr != nil {
			p.log.WithError(serr).WithField("file_id", fileID).Warn("status snapshot write failed")
		}
		return nil
	}

	task, ok, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTaskNotFound
	}
	preset := p.presetFor(task)

	file.Status = FileProcessing
	file.Progress = 0
	file.ErrorMessage = ""
	if err := p.store.UpdateFile(ctx, file); err != nil {
		return err
	}
	p.reportProgress(ctx, fileID, 5, "prepare")

	procErr := p.runPipeline(ctx, &task, &file, preset)

	violations, cerr := p.store.CountViolationsByFile(ctx, fileID)
	if cerr != nil {
		return cerr
	}
	file.ViolationCount = violations
	if procErr != nil {
		file.Status = FileFailed
		file.ErrorMessage = procErr.Error()
		observability.Default.IncCounter("files_failed_total", map[string]string{"file_type": file.FileType}, 1)
	} else {
		file.Status = FileCompleted
		file.Progress = 100
		file.ProcessedAt = p.now()
		observability.Default.IncCounter("files_processed_total", map[string]string{"file_type": file.FileType}, 1)
	}
	if err := p.store.UpdateFile(ctx, file); err != nil {
		return err
	}
	p.reportProgress(ctx, fileID, 100, "done")
	if serr := p.status.SetFileStatus(ctx, fileID, status.Doc{Status: file.Status, Detail: file.ErrorMessage}); serr != nil {
		p.log.WithError(serr).WithField("file_id", fileID).Warn("status snapshot write failed")
	}
	if procErr != nil {
		p.log.WithError(procErr).WithFields(logrus.Fields{"file_id": fileID, "file_type": file.FileType}).Error("file classification failed")
	} else {
		p.log.WithFields(logrus.Fields{"file_id": fileID, "violations": violations}).Info("file processed")
	}

	return p.coordinator.OnFileTerminal(ctx, taskID)
}

// presetFor prefers the strategy snapshot taken at task creation and falls
// back to the registry when the snapshot is absent or unreadable.
func (p *Processor) presetFor(task state.TaskRecord) strategy.Strategy {
	if task.StrategyContents != "" {
		var s strategy.Strategy
		if err := json.Unmarshal([]byte(task.StrategyContents), &s); err == nil && s.Type != "" {
			return s
		}
		p.log.WithField("task_id", task.ID).Warn("unreadable strategy snapshot, falling back to registry")
	}
	s, err := p.strategies.Resolve(task.StrategyType)
	if err != nil {
		s, _ = p.strategies.Resolve("")
	}
	return s
}

func (p *Processor) runPipeline(ctx context.Context, task *state.TaskRecord, file *state.FileRecord, preset strategy.Strategy) error {
	path, cleanup, err := p.blobs.Localize(ctx, file.StoragePath)
	if err != nil {
		return fmt.Errorf("localize %s: %w", file.StoragePath, err)
	}
	defer cleanup()
	p.reportProgress(ctx, file.ID, 10, "localized")

	sink := p.resultSink(ctx, task.ID, file.ID, preset)

	switch file.FileType {
	case classify.FileTypeText:
		return p.processText(ctx, file, preset, path, sink)
	case classify.FileTypeImage:
		return p.processImage(ctx, file, preset, path, sink)
	case classify.FileTypeDocument:
		return p.processDocument(ctx, file, preset, path, sink)
	case classify.FileTypeVideo:
		return p.processVideo(ctx, task, file, preset, path, sink)
	default:
		return &classify.UnknownVariantError{Kind: "file type", Value: file.FileType}
	}
}

// resultSink persists findings as they are produced, so a pipeline that
// fails midway leaves its earlier findings in place. Non-compliant findings
// below the preset's confidence floor are recorded as uncertain.
func (p *Processor) resultSink(ctx context.Context, taskID, fileID string, preset strategy.Strategy) func([]classify.Finding) error {
	return func(findings []classify.Finding) error {
		for _, f := range findings {
			verdict := f.Verdict
			if verdict == classify.VerdictNonCompliant && preset.MinConfidence > 0 && f.Confidence < preset.MinConfidence {
				verdict = classify.VerdictUncertain
			}
			var positionJSON string
			if len(f.Position) > 0 {
				b, err := json.Marshal(f.Position)
				if err != nil {
					return fmt.Errorf("encode position: %w", err)
				}
				positionJSON = string(b)
			}
			rec := state.ResultRecord{
				ID:              uuid.NewString(),
				TaskID:          taskID,
				FileID:          fileID,
				Verdict:         verdict,
				SourceType:      f.SourceType,
				ConfidenceScore: f.Confidence,
				Evidence:        f.Evidence,
				EvidenceText:    f.EvidenceText,
				PositionJSON:    positionJSON,
				PageNumber:      f.PageNumber,
				TimestampSec:    f.TimestampSec,
				ModelName:       f.ModelName,
				ModelVersion:    f.ModelVersion,
				RawResponse:     f.RawResponse,
				CreatedAt:       p.now(),
			}
			if err := p.store.CreateResult(ctx, rec); err != nil {
				return err
			}
			observability.Default.IncCounter("findings_total", map[string]string{"verdict": verdict}, 1)
		}
		return nil
	}
}

func (p *Processor) processText(ctx context.Context, file *state.FileRecord, preset strategy.Strategy, path string, sink func([]classify.Finding) error) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read text file: %w", err)
	}
	p.reportProgress(ctx, file.ID, 40, "classifying")
	findings, err := p.classifier.ClassifyText(ctx, classify.TextRequest{
		Text:       string(raw),
		Prompt:     preset.TextPrompt,
		SourceType: classify.SourceOCR,
	})
	if err != nil {
		return err
	}
	return sink(findings)
}

func (p *Processor) processImage(ctx context.Context, file *state.FileRecord, preset strategy.Strategy, path string, sink func([]classify.Finding) error) error {
	p.reportProgress(ctx, file.ID, 40, "classifying")
	findings, err := p.classifier.ClassifyImage(ctx, classify.ImageRequest{
		Path:   path,
		Prompt: preset.VisionPrompt,
	})
	if err != nil {
		return err
	}
	return sink(findings)
}

func (p *Processor) processDocument(ctx context.Context, file *state.FileRecord, preset strategy.Strategy, path string, sink func([]classify.Finding) error) error {
	if p.documents == nil {
		return fmt.Errorf("document review is not configured")
	}
	blocks, err := p.documents.Extract(ctx, path)
	if err != nil {
		return fmt.Errorf("extract document text: %w", err)
	}
	p.reportProgress(ctx, file.ID, 30, "extracted")

	maxPage := 0
	for i, b := range blocks {
		if b.Page > maxPage {
			maxPage = b.Page
		}
		findings, err := p.classifier.ClassifyText(ctx, classify.TextRequest{
			Text:       b.Text,
			Prompt:     preset.TextPrompt,
			SourceType: classify.SourceOCR,
			PageNumber: b.Page,
		})
		if err != nil {
			return err
		}
		if err := sink(findings); err != nil {
			return err
		}
		p.reportProgress(ctx, file.ID, 30+60*(i+1)/len(blocks), "classifying")
	}
	if maxPage > 0 {
		file.PageCount = maxPage
	}
	return nil
}

func (p *Processor) processVideo(ctx context.Context, task *state.TaskRecord, file *state.FileRecord, preset strategy.Strategy, path string, sink func([]classify.Finding) error) error {
	if p.frames == nil {
		return fmt.Errorf("video review is not configured")
	}
	if dur, err := classify.ProbeDuration(ctx, path); err == nil {
		file.DurationSec = dur
	}
	interval := task.VideoFrameInterval
	if interval <= 0 {
		interval = preset.FrameIntervalSec
	}
	frames, cleanup, err := p.frames.Extract(ctx, path, interval, preset.MaxFrames)
	if err != nil {
		return fmt.Errorf("extract frames: %w", err)
	}
	defer cleanup()
	p.reportProgress(ctx, file.ID, 30, "frames extracted")

	for i, fr := range frames {
		findings, err := p.classifier.ClassifyImage(ctx, classify.ImageRequest{
			Path:         fr.Path,
			Prompt:       preset.VisionPrompt,
			TimestampSec: fr.TimestampSec,
		})
		if err != nil {
			return err
		}
		for j := range findings {
			findings[j].TimestampSec = fr.TimestampSec
		}
		if err := sink(findings); err != nil {
			return err
		}
		p.reportProgress(ctx, file.ID, 30+60*(i+1)/len(frames), "classifying")
	}
	return nil
}

func (p *Processor) reportProgress(ctx context.Context, fileID string, percent int, stage string) {
	if err := p.status.SetFileProgress(ctx, fileID, status.Progress{Percent: percent, Stage: stage}); err != nil {
		p.log.WithError(err).WithField("file_id", fileID).Warn("progress snapshot write failed")
	}
}
