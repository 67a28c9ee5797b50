package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/cte-pipeline/internal/model"
)

// runEmailMonitoring scans the inbox directory for spreadsheet attachments
// and creates the durable batch state. It never returns an error: a failed
// scan produces a degraded output with ErrorDetails set so the remaining
// stages can still report.
func (p *Pipeline) runEmailMonitoring(ctx context.Context, batchID string) *model.MonitoringOutput {
	out := &model.MonitoringOutput{
		BatchID:             batchID,
		ProcessingTimestamp: time.Now().UTC(),
	}

	pattern, err := regexp.Compile(p.cfg.Pipeline.AttachmentPattern)
	if err != nil {
		out.ErrorDetails = fmt.Sprintf("invalid attachment pattern: %v", err)
		p.recovery.HandleEmailProcessingError(ctx, err, "inbox_"+batchID, p.stateID)
		return out
	}

	entries, err := os.ReadDir(p.cfg.Paths.InboxDir)
	if err != nil {
		out.ErrorDetails = fmt.Sprintf("inbox scan failed: %v", err)
		p.recovery.HandleEmailProcessingError(ctx, err, "inbox_"+batchID, p.stateID)
		return out
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		out.EmailsProcessed++
		if !pattern.MatchString(entry.Name()) {
			zap.L().Debug("attachment skipped by pattern", zap.String("filename", entry.Name()))
			continue
		}
		out.ValidAttachments = append(out.ValidAttachments, model.Attachment{
			Filename: entry.Name(),
			Path:     filepath.Join(p.cfg.Paths.InboxDir, entry.Name()),
		})
	}

	firstAttachment := ""
	if len(out.ValidAttachments) > 0 {
		firstAttachment = out.ValidAttachments[0].Filename
	}
	st, err := p.states.CreateProcessingState(ctx, "inbox_"+batchID, firstAttachment, batchID)
	if err != nil {
		// The run continues in-memory; downstream status writes are skipped.
		zap.L().Warn("failed to create batch processing state", zap.Error(err))
		return out
	}
	p.stateID = st.StateID

	return out
}
