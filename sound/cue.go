package sound

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/d1nch8g/ptt/logging"
)

// CuePlayer plays cues on a local output and injects them through a mixer.
// Either collaborator may be nil, which disables that path.
type CuePlayer struct {
	cache  *Cache
	output Output
	mixer  Mixer
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	mixCancel context.CancelFunc
	closed    bool
}

var _ Player = (*CuePlayer)(nil)

func NewCuePlayer(cache *Cache, output Output, mixer Mixer, logger *zap.Logger) *CuePlayer {
	ctx, cancel := context.WithCancel(context.Background())
	return &CuePlayer{
		cache:  cache,
		output: output,
		mixer:  mixer,
		logger: logging.OrNop(logger).Named("cue"),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (p *CuePlayer) Play(req CueRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	if req.PlayLocally && p.output != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.playLocal(req.AssetID)
		}()
	}

	if req.InjectIntoChannel && p.mixer != nil {
		if p.mixCancel != nil {
			p.mixCancel()
		}
		ctx, cancel := context.WithCancel(p.ctx)
		p.mixCancel = cancel

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer cancel()
			p.inject(ctx, req.AssetID)
		}()
	}
}

func (p *CuePlayer) playLocal(assetID string) {
	clip, err := p.cache.Load(assetID)
	if err != nil {
		p.logger.Warn("cue load failed", zap.String("asset", assetID), zap.String("path", "local"), zap.Error(err))
		return
	}
	if err := p.output.Play(p.ctx, clip.Samples, clip.SampleRate); err != nil && p.ctx.Err() == nil {
		p.logger.Warn("local cue playback failed", zap.String("asset", assetID),
			zap.Error(&CueError{AssetID: assetID, Path: "local", Err: err}))
	}
}

func (p *CuePlayer) inject(ctx context.Context, assetID string) {
	clip, err := p.cache.Load(assetID)
	if err != nil {
		p.logger.Warn("cue load failed", zap.String("asset", assetID), zap.String("path", "channel"), zap.Error(err))
		return
	}
	if err := p.mixer.MixCue(ctx, assetID, clip.Samples, clip.SampleRate); err != nil && ctx.Err() == nil {
		p.logger.Warn("channel cue injection failed", zap.String("asset", assetID),
			zap.Error(&CueError{AssetID: assetID, Path: "channel", Err: err}))
	}
}

func (p *CuePlayer) StopMixing() {
	p.mu.Lock()
	cancel := p.mixCancel
	p.mixCancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if p.mixer == nil {
		return
	}
	if err := p.mixer.StopMixing(); err != nil {
		p.logger.Debug("stop mixing", zap.Error(err))
	}
}

// Close stops all playback and waits for in-flight cues to finish.
func (p *CuePlayer) Close() {
	p.mu.Lock()
	p.closed = true
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
}
