package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/domain"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/services/deduplication"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/services/extraction"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/services/matching"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/infrastructure/parsers"
	apperrors "github.com/alejandroruanova/settlement-ingestion-service/internal/pkg/errors"
)

const tracerName = "github.com/alejandroruanova/settlement-ingestion-service/settlement"

// cleanupTimeout bounds status writes made after the run context expired
const cleanupTimeout = 10 * time.Second

// Dependencies are the collaborators of a Processor. Parser, Store,
// Extractor, Matcher and Orders are required; the rest are optional.
type Dependencies struct {
	Parser       Parser
	Store        Store
	Extractor    extraction.Extractor
	Matcher      Matcher
	Orders       OrderSource
	Fingerprints deduplication.Fingerprinter
	Archive      Archive
	Cache        StatusCache
	Locker       Locker
	Events       EventSink
	Tracer       trace.Tracer
}

// Processor runs the settlement ingestion pipeline: parse, idempotency
// gate, record creation, extraction, matching and persistence.
type Processor struct {
	parser       Parser
	store        Store
	extractor    extraction.Extractor
	matcher      Matcher
	orders       OrderSource
	fingerprints deduplication.Fingerprinter
	archive      Archive
	cache        StatusCache
	locker       Locker
	events       EventSink
	tracer       trace.Tracer

	config Config
	logger *slog.Logger
	now    func() time.Time
}

// NewProcessor wires a Processor
func NewProcessor(deps Dependencies, config Config, logger *slog.Logger) (*Processor, error) {
	switch {
	case deps.Parser == nil:
		return nil, fmt.Errorf("parser is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("store is required")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("extractor is required")
	case deps.Matcher == nil:
		return nil, fmt.Errorf("matcher is required")
	case deps.Orders == nil:
		return nil, fmt.Errorf("order source is required")
	}

	if logger == nil {
		logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = NewLogEventSink(logger)
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if config.PipelineTimeout <= 0 {
		config.PipelineTimeout = DefaultConfig().PipelineTimeout
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultConfig().StaleAfter
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultConfig().LockTTL
	}

	return &Processor{
		parser:       deps.Parser,
		store:        deps.Store,
		extractor:    deps.Extractor,
		matcher:      deps.Matcher,
		orders:       deps.Orders,
		fingerprints: deps.Fingerprints,
		archive:      deps.Archive,
		cache:        deps.Cache,
		locker:       deps.Locker,
		events:       deps.Events,
		tracer:       deps.Tracer,
		config:       config,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// ProcessSettlementFile ingests one uploaded file. The same bytes uploaded
// twice by one owner are extracted once; the second call reports duplicate.
func (p *Processor) ProcessSettlementFile(ctx context.Context, file parsers.File, meta Metadata) *ProcessingResult {
	start := time.Now()

	ctx, span := p.tracer.Start(ctx, "settlement.process",
		trace.WithAttributes(
			attribute.String("owner_id", meta.OwnerID),
			attribute.String("file_name", file.Name),
			attribute.Int("size_bytes", len(file.Data))))
	defer span.End()

	if strings.TrimSpace(meta.OwnerID) == "" {
		return p.errorResult(span, apperrors.BadRequest("owner_id is required"))
	}

	// Stage 1: parse
	st := startStep(ctx, p.events, uuid.Nil, StageParse)
	parsed, err := p.parser.Parse(ctx, file)
	if err == nil && !parsed.Validation.IsValid {
		err = apperrors.FileParseError(errors.New(strings.Join(parsed.Validation.Issues, "; ")), parsed.FileType)
	}
	if err != nil {
		st.fail(ctx, err, slog.String("file_name", file.Name))
		return p.errorResult(span, err)
	}
	st.done(ctx,
		slog.String("file_type", parsed.FileType),
		slog.String("detected_platform", string(parsed.DetectedPlatform)),
		slog.Int("text_length", len(parsed.Text)))

	// Stage 2: idempotency gate
	st = startStep(ctx, p.events, uuid.Nil, StageIdempotency)
	existing, err := p.store.FindByOwnerAndHash(ctx, meta.OwnerID, parsed.FileHash)
	switch {
	case err == nil:
		st.done(ctx, slog.String("existing_file_id", existing.ID.String()))
		return p.duplicateResult(span, existing.ID)
	case !errors.Is(err, ErrNotFound):
		st.fail(ctx, err)
		return p.errorResult(span, apperrors.DatabaseError(err))
	}
	st.done(ctx)

	// Stage 3: record creation
	record := p.newRecord(file, parsed, meta)
	st = startStep(ctx, p.events, record.ID, StageCreate)
	if err := p.store.CreateProcessing(ctx, record); err != nil {
		if errors.Is(err, ErrDuplicateFile) {
			// Lost the race against a concurrent upload of the same bytes
			winner, ferr := p.store.FindByOwnerAndHash(ctx, meta.OwnerID, parsed.FileHash)
			if ferr == nil {
				st.done(ctx, slog.String("existing_file_id", winner.ID.String()))
				return p.duplicateResult(span, winner.ID)
			}
			err = ferr
		}
		st.fail(ctx, err)
		return p.errorResult(span, apperrors.DatabaseError(err))
	}
	st.done(ctx, slog.String("platform", string(record.PlatformSource)))
	span.SetAttributes(attribute.String("settlement_file_id", record.ID.String()))

	p.archiveRaw(ctx, record.ID, file)

	// Stages 4-6 outlive the caller so the record always reaches a
	// terminal state or is left for the stale sweeper.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.PipelineTimeout)
	defer cancel()

	data, err := p.runPipeline(runCtx, record)
	if err != nil {
		result := p.errorResult(span, err)
		result.Data = &ProcessingData{SettlementFileID: record.ID, Platform: record.PlatformSource}
		return result
	}
	data.TotalDurationMs = time.Since(start).Milliseconds()

	span.SetAttributes(
		attribute.Int("refunds_inserted", data.RefundsInserted),
		attribute.Int("matched", data.MatchingSummary.Matched))

	return &ProcessingResult{
		Success: true,
		Status:  OutcomeCompleted,
		Message: fmt.Sprintf("%d refunds extracted, %d matched to orders",
			data.RefundsInserted, data.MatchingSummary.Matched),
		Data: data,
	}
}

func (p *Processor) newRecord(file parsers.File, parsed *parsers.ParsedFile, meta Metadata) *domain.SettlementFile {
	platform := parsed.DetectedPlatform
	confirmed := false
	if meta.PlatformHint.IsKnown() {
		platform = meta.PlatformHint
		confirmed = true
	}

	return &domain.SettlementFile{
		ID:                  uuid.New(),
		OwnerID:             meta.OwnerID,
		BranchID:            meta.BranchID,
		FileHash:            parsed.FileHash,
		FileName:            file.Name,
		FileType:            parsed.FileType,
		SizeBytes:           parsed.SizeBytes,
		PlatformSource:      platform,
		PlatformConfirmed:   confirmed,
		ReportDate:          parsed.ReportDate,
		RawText:             parsed.Text,
		ValidationIssues:    datatypes.JSONSlice[string](parsed.Validation.Issues),
		UploadedBy:          meta.UploadedBy,
		Status:              domain.StatusProcessing,
		ProcessingStartedAt: p.now(),
	}
}

// runPipeline executes extraction, matching and persistence for a file
// already in processing. Extraction failures and panics mark the file
// failed; a persistence failure leaves it in processing.
func (p *Processor) runPipeline(ctx context.Context, file *domain.SettlementFile) (data *ProcessingData, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("settlement pipeline panicked",
				slog.String("settlement_file_id", file.ID.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = apperrors.Internal(fmt.Sprintf("pipeline panic: %v", r))
			data = nil
			p.markFailed(ctx, file.ID, err)
		}
	}()

	// Stage 4: extraction
	st := startStep(ctx, p.events, file.ID, StageExtract)
	extracted, err := p.extractor.ExtractRefunds(ctx, file.RawText, file.PlatformSource)
	extractionDuration := time.Since(st.start)
	if err == nil && extracted == nil {
		err = apperrors.LLMInvalidResponse("extractor returned no result")
	}
	if err != nil {
		st.fail(ctx, err)
		p.markFailed(ctx, file.ID, err)
		return nil, err
	}
	refunds := extracted.Refunds
	st.done(ctx,
		slog.Int("refunds", len(refunds)),
		slog.Int("rejected", len(extracted.Rejected)),
		slog.Int("tokens", extracted.TokensUsed),
		slog.String("model", extracted.Model))

	lines := p.fingerprint(ctx, file, refunds)

	// Stage 5: matching
	results, summary := p.match(ctx, file, refunds)

	// Stage 6: persistence
	rows := buildRefundRows(file, refunds, results, lines)
	possibleDuplicates := 0
	for _, l := range lines {
		if l.IsPossibleDuplicate() {
			possibleDuplicates++
		}
	}

	st = startStep(ctx, p.events, file.ID, StagePersist)
	completion := Completion{
		ExtractionDurationMs: extractionDuration.Milliseconds(),
		ExtractionModel:      extracted.Model,
		TokensUsed:           extracted.TokensUsed,
		RefundsFound:         len(refunds),
		MatchedCount:         summary.Matched,
		UnmatchedCount:       summary.Unmatched,
		CompletedAt:          p.now(),
	}
	if err := p.store.CompleteWithRefunds(ctx, file.ID, rows, completion); err != nil {
		st.fail(ctx, err, slog.Int("rows", len(rows)))
		if errors.Is(err, ErrStatusConflict) {
			return nil, apperrors.Conflict("settlement file is no longer processing")
		}
		return nil, apperrors.DatabaseError(err)
	}
	st.done(ctx, slog.Int("rows", len(rows)))

	p.invalidate(ctx, file.ID)

	return &ProcessingData{
		SettlementFileID:     file.ID,
		RefundsExtracted:     len(refunds),
		RefundsInserted:      len(rows),
		RefundsRejected:      extracted.Rejected,
		PossibleDuplicates:   possibleDuplicates,
		MatchingSummary:      summary,
		ExtractionDurationMs: completion.ExtractionDurationMs,
		TokensUsed:           extracted.TokensUsed,
		Model:                extracted.Model,
		Platform:             file.PlatformSource,
	}, nil
}

// fingerprint flags repeated lines. Failures only cost the flags.
func (p *Processor) fingerprint(ctx context.Context, file *domain.SettlementFile, refunds []domain.ExtractedRefund) []deduplication.Line {
	if p.fingerprints == nil || len(refunds) == 0 {
		return nil
	}

	st := startStep(ctx, p.events, file.ID, StageFingerprint)
	result, err := p.fingerprints.Fingerprint(ctx, file.OwnerID, file.ID, refunds)
	if err != nil {
		st.fail(ctx, err)
		return nil
	}
	st.done(ctx,
		slog.Int("in_file_duplicates", result.Stats.InFileDuplicates),
		slog.Int("cross_file_duplicates", result.Stats.CrossFileDuplicates))
	return result.Lines
}

// match links refunds to orders. It never fails: lookup or matcher errors
// degrade every refund to unmatched.
func (p *Processor) match(ctx context.Context, file *domain.SettlementFile, refunds []domain.ExtractedRefund) ([]domain.MatchResult, matching.Summary) {
	results := make([]domain.MatchResult, len(refunds))
	summary := matching.Summary{Total: len(refunds)}

	if len(refunds) == 0 {
		return results, summary
	}

	if p.config.SkipMatching {
		for i := range results {
			results[i] = domain.MatchResult{Method: domain.MatchSkipped, Reasoning: "matching disabled"}
		}
		summary.Unmatched = len(refunds)
		return results, summary
	}

	st := startStep(ctx, p.events, file.ID, StageMatch)

	degrade := func(err error) ([]domain.MatchResult, matching.Summary) {
		st.fail(ctx, err)
		for i := range results {
			results[i] = domain.Unmatched(fmt.Sprintf("matching unavailable: %v", err))
		}
		summary.Unmatched = len(refunds)
		return results, summary
	}

	var candidates []domain.Order
	if query, ok := p.candidateQuery(file, refunds); ok {
		var err error
		candidates, err = p.orders.FindCandidates(ctx, query)
		if err != nil {
			return degrade(fmt.Errorf("load candidate orders: %w", err))
		}
	}

	batch, err := p.matcher.MatchBatch(ctx, refunds, candidates, p.config.MatchOptions)
	if err != nil {
		return degrade(err)
	}

	st.done(ctx,
		slog.Int("candidates", len(candidates)),
		slog.Int("matched", batch.Summary.Matched),
		slog.Int("unmatched", batch.Summary.Unmatched))

	return batch.Results, batch.Summary
}

// candidateQuery spans the refund dates widened by MatchWindowDays
func (p *Processor) candidateQuery(file *domain.SettlementFile, refunds []domain.ExtractedRefund) (CandidateQuery, bool) {
	var minDate, maxDate time.Time
	for _, r := range refunds {
		if r.TransactionDate.IsZero() {
			continue
		}
		if minDate.IsZero() || r.TransactionDate.Before(minDate) {
			minDate = r.TransactionDate
		}
		if maxDate.IsZero() || r.TransactionDate.After(maxDate) {
			maxDate = r.TransactionDate
		}
	}
	if minDate.IsZero() {
		return CandidateQuery{}, false
	}

	window := time.Duration(p.config.MatchWindowDays) * 24 * time.Hour
	return CandidateQuery{
		OwnerID:  file.OwnerID,
		BranchID: file.BranchID,
		From:     minDate.Add(-window),
		// Include the whole last day
		To: maxDate.Add(window + 24*time.Hour - time.Nanosecond),
	}, true
}

// buildRefundRows creates one row per extracted refund, in extraction order
func buildRefundRows(file *domain.SettlementFile, refunds []domain.ExtractedRefund, results []domain.MatchResult, lines []deduplication.Line) []domain.RefundAdjustment {
	rows := make([]domain.RefundAdjustment, 0, len(refunds))

	for i, r := range refunds {
		res := domain.Unmatched("not matched")
		if i < len(results) && results[i].Method != "" {
			res = results[i]
		}

		platform := r.PlatformSource
		if !platform.IsKnown() {
			platform = file.PlatformSource
		}
		category := r.ReasonCategory
		if category == "" {
			category = domain.ReasonOther
		}

		metadata := datatypes.JSONMap{
			"extraction_index": i,
			"match_reasoning":  res.Reasoning,
		}
		if customer := r.CustomerName; customer != nil {
			metadata["customer_name"] = *customer
		}
		if ref := r.OrderRefID; ref != nil {
			metadata["order_ref_id"] = *ref
		}
		if i < len(lines) {
			line := lines[i]
			metadata["fingerprint"] = line.Fingerprint
			metadata["possible_duplicate"] = line.IsPossibleDuplicate()
			if line.DuplicateOf >= 0 {
				metadata["duplicate_of_index"] = line.DuplicateOf
			}
			if line.SeenBefore {
				metadata["seen_in_previous_file"] = true
			}
		}

		rows = append(rows, domain.RefundAdjustment{
			ID:                uuid.New(),
			SettlementFileID:  file.ID,
			MatchedOrderID:    res.OrderID,
			OwnerID:           file.OwnerID,
			AmountDeducted:    r.AmountDeducted,
			Currency:          r.Currency,
			PlatformSource:    platform,
			TransactionDate:   r.TransactionDate,
			TransactionTime:   r.TransactionTime,
			ReasonRaw:         r.ReasonRaw,
			ReasonCategory:    category,
			MatchConfidence:   res.Confidence,
			MatchMethod:       res.Method,
			AIConfidenceScore: r.ConfidenceScore,
			Metadata:          metadata,
			Status:            domain.ReviewPending,
		})
	}

	return rows
}

func (p *Processor) archiveRaw(ctx context.Context, fileID uuid.UUID, file parsers.File) {
	if p.archive == nil {
		return
	}
	path, err := p.archive.ArchiveRaw(ctx, fileID, file.Name, file.Data)
	if err != nil {
		p.logger.Warn("failed to archive raw upload",
			slog.String("settlement_file_id", fileID.String()),
			slog.Any("error", err))
		return
	}
	p.logger.Debug("raw upload archived",
		slog.String("settlement_file_id", fileID.String()),
		slog.String("path", path))
}

// markFailed records err on the file. It uses its own deadline since the
// run context may already be expired.
func (p *Processor) markFailed(ctx context.Context, id uuid.UUID, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := p.store.MarkFailed(ctx, id, failureMessage(cause)); err != nil {
		p.logger.Error("failed to mark settlement file failed",
			slog.String("settlement_file_id", id.String()),
			slog.Any("cause", cause),
			slog.Any("error", err))
		return
	}
	p.invalidate(ctx, id)
}

func (p *Processor) invalidate(ctx context.Context, id uuid.UUID) {
	if p.cache == nil {
		return
	}
	if err := p.cache.InvalidateStatus(ctx, id); err != nil {
		p.logger.Warn("failed to invalidate status cache",
			slog.String("settlement_file_id", id.String()),
			slog.Any("error", err))
	}
}

func (p *Processor) errorResult(span trace.Span, err error) *ProcessingResult {
	appErr := toAppError(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, appErr.Message)

	return &ProcessingResult{
		Success:   false,
		Status:    OutcomeError,
		Message:   appErr.Message,
		ErrorCode: appErr.Code,
	}
}

func (p *Processor) duplicateResult(span trace.Span, existingID uuid.UUID) *ProcessingResult {
	span.SetAttributes(
		attribute.Bool("duplicate", true),
		attribute.String("existing_file_id", existingID.String()))

	id := existingID
	return &ProcessingResult{
		Success:        false,
		Status:         OutcomeDuplicate,
		Message:        "file was already uploaded",
		ErrorCode:      apperrors.ErrCodeDuplicateFile,
		ExistingFileID: &id,
	}
}

func toAppError(err error) *apperrors.AppError {
	if appErr, ok := apperrors.GetAppError(err); ok {
		return appErr
	}
	return apperrors.InternalWrap(err, "unexpected pipeline error")
}

func failureMessage(err error) string {
	appErr, ok := apperrors.GetAppError(err)
	if !ok {
		return err.Error()
	}
	if appErr.Err != nil {
		return fmt.Sprintf("%s: %v", appErr.Message, appErr.Err)
	}
	return appErr.Message
}
