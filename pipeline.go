package apkdebugger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventKind classifies a pipeline log event.
type EventKind string

const (
	EventInfo    EventKind = "info"
	EventSuccess EventKind = "success"
	EventWarning EventKind = "warning"
	EventError   EventKind = "error"
)

// Event is one consumer-facing log record emitted by the pipeline.
type Event struct {
	Kind      EventKind
	Message   string
	Timestamp time.Time
}

// Result is the outcome of one pipeline run. Output is nil unless Success
// is true.
type Result struct {
	Success bool
	Output  []byte
	Info    *ManifestInfo
	Events  []Event
}

type pipelineState int

const (
	stateIdle pipelineState = iota
	stateLoaded
	stateMerged
	stateManifestParsed
	stateManifestPatched
	stateStripped
	stateSigned
	stateEmitted
)

// ErrCancelled is reported when the caller aborts the pipeline between
// stages. No partial output is delivered.
var ErrCancelled = errors.New("pipeline cancelled")

const manifestEntryName = "AndroidManifest.xml"

// Pipeline turns one application archive or bundle into a debuggable,
// freshly signed archive. It owns its working archive for the duration of a
// run; a Pipeline must not be shared between concurrent runs.
type Pipeline struct {
	KeyAlias string

	log    zerolog.Logger
	runLog zerolog.Logger
	state  pipelineState
	events []Event
}

// NewPipeline returns a pipeline logging through the given zerolog logger.
// Each run is tagged with a fresh run id.
func NewPipeline(log zerolog.Logger) *Pipeline {
	return &Pipeline{KeyAlias: defaultKeyAlias, log: log}
}

// Run executes the whole pipeline over the raw input bytes. name is the
// input's filename and only serves as a bundle hint (".apks"); content
// sniffing may override it. Run never panics or returns an error: failures
// are reported through the Result.
func (p *Pipeline) Run(ctx context.Context, name string, data []byte) *Result {
	p.state = stateIdle
	p.events = nil
	p.runLog = p.log.With().Str("run_id", uuid.NewString()).Logger()

	res := &Result{}
	out, info, err := p.run(ctx, name, data)
	res.Events = p.events
	res.Info = info
	if err != nil {
		return res
	}
	res.Success = true
	res.Output = out
	return res
}

func (p *Pipeline) run(ctx context.Context, name string, data []byte) ([]byte, *ManifestInfo, error) {
	archive, err := p.load(ctx, name, data)
	if err != nil {
		return nil, nil, p.fail(err)
	}

	if err := p.checkCancel(ctx); err != nil {
		return nil, nil, p.fail(err)
	}

	info, patched, err := p.patchManifest(archive)
	if err != nil {
		return nil, info, p.fail(err)
	}

	archive.Put(manifestEntryName, patched)
	p.state = stateManifestPatched
	p.eventf(EventInfo, "manifest patched, debuggable flag forced on")

	removed := StripSignatures(archive)
	p.state = stateStripped
	p.eventf(EventInfo, "stripped %d previous signature entries", len(removed))

	if err := p.checkCancel(ctx); err != nil {
		return nil, info, p.fail(err)
	}

	identity, err := GenerateSigningIdentity()
	if err != nil {
		return nil, info, p.fail(fmt.Errorf("sign failed: %w", err))
	}
	if err := SignArchive(archive, identity, p.KeyAlias); err != nil {
		return nil, info, p.fail(fmt.Errorf("sign failed: %w", err))
	}
	p.state = stateSigned
	p.eventf(EventInfo, "archive signed as %s", strings.ToUpper(p.KeyAlias))

	if err := p.checkCancel(ctx); err != nil {
		return nil, info, p.fail(err)
	}

	out, err := archive.Serialize()
	if err != nil {
		return nil, info, p.fail(err)
	}
	p.state = stateEmitted
	p.eventf(EventSuccess, "emitted signed archive, %d entries, %d bytes", archive.Len(), len(out))
	return out, info, nil
}

func (p *Pipeline) load(ctx context.Context, name string, data []byte) (*Archive, error) {
	archive, err := OpenArchive(data)
	if err != nil {
		return nil, err
	}
	p.state = stateLoaded
	p.eventf(EventInfo, "loaded archive with %d entries", archive.Len())

	if err := p.checkCancel(ctx); err != nil {
		return nil, err
	}

	if strings.HasSuffix(strings.ToLower(name), ".apks") || IsBundle(archive) {
		merged, err := MergeBundle(archive)
		if err != nil {
			return nil, err
		}
		archive = merged
		p.state = stateMerged
		p.eventf(EventInfo, "merged bundle into %d entries", archive.Len())
	}
	return archive, nil
}

// patchManifest parses the manifest and rewrites it. A parse failure
// downgrades to the raw byte-scan patch with a warning and placeholder
// facts; only the failure of both paths is fatal.
func (p *Pipeline) patchManifest(archive *Archive) (*ManifestInfo, []byte, error) {
	manifest, err := archive.Read(manifestEntryName)
	if err != nil {
		return nil, nil, err
	}

	doc, err := ParseXmlDocument(manifest)
	if err != nil {
		p.eventf(EventWarning, "manifest parse failed (%s), trying binary patch", err.Error())
		patched, perr := PatchDebuggableRaw(manifest)
		if perr != nil {
			return nil, nil, fmt.Errorf("manifest rewrite infeasible: %w", perr)
		}
		return placeholderManifestInfo(), patched, nil
	}
	p.state = stateManifestParsed

	info, err := doc.ManifestInfo()
	if err != nil {
		p.eventf(EventWarning, "manifest facts unavailable: %s", err.Error())
		info = placeholderManifestInfo()
	} else {
		p.eventf(EventInfo, "parsed manifest of %s (versionCode %d, minSdk %d)",
			info.Package, info.VersionCode, info.MinSdkVersion)
	}

	patched, err := doc.MakeDebuggable()
	if err != nil {
		p.eventf(EventWarning, "structural rewrite failed (%s), trying binary patch", err.Error())
		patched, err = PatchDebuggableRaw(manifest)
		if err != nil {
			return info, nil, fmt.Errorf("manifest rewrite infeasible: %w", err)
		}
	}
	return info, patched, nil
}

func (p *Pipeline) checkCancel(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %s", ErrCancelled, ctx.Err().Error())
	default:
		return nil
	}
}

func (p *Pipeline) fail(err error) error {
	p.eventf(EventError, "%s", err.Error())
	return err
}

func (p *Pipeline) eventf(kind EventKind, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	ev := Event{Kind: kind, Message: msg, Timestamp: time.Now()}
	p.events = append(p.events, ev)

	switch kind {
	case EventWarning:
		p.runLog.Warn().Msg(msg)
	case EventError:
		p.runLog.Error().Msg(msg)
	default:
		p.runLog.Info().Str("kind", string(kind)).Msg(msg)
	}
}
