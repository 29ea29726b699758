package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/fleetsim/fleetsim/pkg/protocol"
)

// watchDecisions ingests decisions from a drop file: writing a JSON
// user-response object to the configured path feeds the matching
// mailbox, as an alternative to the interactive decision channel. The
// file is removed after ingestion.
func (e *Engine) watchDecisions(ctx context.Context, path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		e.log.Error().Err(err).Msg("cannot watch decisions file")
		return
	}
	defer watcher.Close()

	// Watch the directory; the file itself comes and goes.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		e.log.Error().Err(err).Str("dir", dir).Msg("cannot watch decisions directory")
		return
	}

	// A file left over from a previous run counts.
	e.ingestDecisionFile(path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				e.ingestDecisionFile(path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			e.log.Warn().Err(err).Msg("decisions watcher error")
		}
	}
}

func (e *Engine) ingestDecisionFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			e.log.Warn().Err(err).Msg("cannot read decisions file")
		}
		return
	}

	var resp protocol.UserInputResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		e.log.Warn().Err(err).Msg("malformed decisions file")
		_ = os.Remove(path)
		return
	}

	box := e.boxes.channel(resp.Channel)
	if box == nil {
		e.log.Warn().Str("channel", string(resp.Channel)).Msg("decision for unknown channel")
		_ = os.Remove(path)
		return
	}
	box.Put(resp.Value)
	e.log.Info().Str("channel", string(resp.Channel)).Str("value", resp.Value).Msg("decision ingested from file")
	_ = os.Remove(path)
}
