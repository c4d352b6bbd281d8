package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/datatypes"

	"open-mer/bus"
	"open-mer/cache"
	"open-mer/config"
	"open-mer/database"
	"open-mer/database/types"
	"open-mer/errs"
	"open-mer/handlers"
	"open-mer/helpers"
	"open-mer/signal"
)

// Defaults for ProcedureController
const (
	DefaultControllerTick    = 50 * time.Millisecond
	DefaultRepublishCooldown = time.Second
)

const dateLayout = "2006-01-02"

// ControllerOptions configures a ProcedureController
type ControllerOptions struct {
	Tick time.Duration
	// Cooldown is the minimum spacing of settings re-sends triggered by refresh requests
	Cooldown time.Duration
	Defaults config.BufferConfig
	// Features is the enable map sent when a request carries none
	Features bus.FeatureMap
	// RecordingBase is the device directory recordings are written under
	RecordingBase string
	Now           func() time.Time
}

// ProcedureController binds procedures for the workers: it creates the stored
// rows, publishes procedure_settings and answers startup and refresh requests
// with the last settings it published.
type ProcedureController struct {
	store    database.Store
	source   signal.Source
	bus      bus.Bus
	sub      *bus.Subscription
	handlers *handlers.HandlerManager
	mirror   cache.Mirror
	opts     ControllerOptions

	mu          sync.Mutex
	last        *bus.ProcedureSettings
	lastSent    time.Time
	resend      bool
	procedureID int64

	done chan bool
}

// NewProcedureController subscribes to snippet_status and features and restores
// the last published settings from the mirror
func NewProcedureController(ctx context.Context, store database.Store, source signal.Source, b bus.Bus, mirror cache.Mirror, opts ControllerOptions) (*ProcedureController, error) {
	if opts.Tick <= 0 {
		opts.Tick = DefaultControllerTick
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultRepublishCooldown
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if mirror == nil {
		mirror = cache.NewMemoryMirror()
	}

	c := &ProcedureController{
		store:    store,
		source:   source,
		bus:      b,
		handlers: handlers.NewHandlerManager(),
		mirror:   mirror,
		opts:     opts,
		done:     make(chan bool, 1),
	}
	c.handlers.Handle(bus.TopicSnippetStatus, c.onStatus)
	c.handlers.Handle(bus.TopicFeatures, c.onFeatures)
	sub, err := b.Subscribe(ctx, c.handlers.Topics()...)
	if err != nil {
		return nil, err
	}
	c.sub = sub

	var last bus.ProcedureSettings
	found, err := mirror.Load(ctx, cache.KeyLastSettings, &last)
	switch {
	case err != nil:
		log.Printf("⚠️  Procedure controller: last settings not restored: %v", err)
	case found && last.Procedure != nil:
		c.last = &last
		c.procedureID = last.Procedure.ProcedureID
		log.Printf("🔄 Procedure controller: restored settings for procedure %d", c.procedureID)
	}
	return c, nil
}

// Start ticks until Stop or ctx cancellation
func (c *ProcedureController) Start(ctx context.Context) {
	log.Println("🧭 Procedure controller started")
	defer c.sub.Close()

	ticker := time.NewTicker(c.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Tick(ctx)
		case <-c.done:
			log.Println("🛑 Procedure controller stopped")
			return
		case <-ctx.Done():
			log.Println("🛑 Procedure controller stopped")
			return
		}
	}
}

// Stop ends the loop after the current tick
func (c *ProcedureController) Stop() {
	select {
	case c.done <- true:
	default:
	}
}

// Tick handles pending bus messages and re-sends the settings when requested
func (c *ProcedureController) Tick(ctx context.Context) {
	c.handlers.Drain(c.sub, func(msg bus.Message, err error) {
		log.Printf("⚠️  Procedure controller: %s message ignored: %v", msg.Topic, err)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.resend {
		return
	}
	c.resend = false
	if c.last == nil {
		return
	}
	now := c.opts.Now()
	if !c.lastSent.IsZero() && now.Sub(c.lastSent) < c.opts.Cooldown {
		return
	}
	if err := bus.PublishSettings(ctx, c.bus, *c.last); err != nil {
		log.Printf("⚠️  Procedure controller: settings re-send failed: %v", err)
		return
	}
	c.lastSent = now
	log.Printf("🔄 Re-sent procedure_settings for procedure %d", c.procedureID)
}

func (c *ProcedureController) onStatus(payload []byte) error {
	status, err := bus.ParseStatus(payload)
	if err != nil {
		return err
	}
	if status == bus.StatusStartup || status == bus.StatusRefresh {
		c.mu.Lock()
		c.resend = true
		c.mu.Unlock()
	}
	return nil
}

// onFeatures keeps the remembered enable map current and treats refresh like a status refresh
func (c *ProcedureController) onFeatures(payload []byte) error {
	refresh, enabled, err := bus.ParseFeaturesMessage(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if refresh {
		c.resend = true
		return nil
	}
	if c.last != nil {
		c.last.Features = enabled
	}
	return nil
}

// ProcedureID returns the procedure last opened, 0 when none
func (c *ProcedureController) ProcedureID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.procedureID
}

// LastSettings returns a copy of the last published settings
func (c *ProcedureController) LastSettings() (bus.ProcedureSettings, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return bus.ProcedureSettings{}, false
	}
	return *c.last, true
}

// Open finds or creates the subject and procedure named by settings, creates
// the channel set from the device's sampling group, and publishes the
// settings bound to the procedure id
func (c *ProcedureController) Open(ctx context.Context, settings bus.ProcedureSettings) (types.ProcedureResponse, error) {
	if settings.IsShutdown() {
		return types.ProcedureResponse{}, database.NewValidationError("running", "use the stop endpoint to shut workers down")
	}
	if settings.Subject == nil || settings.Subject.ID == "" {
		return types.ProcedureResponse{}, database.NewValidationError("subject.id", "must not be empty")
	}
	if settings.Procedure == nil {
		settings.Procedure = &bus.ProcedureConfig{}
	}
	subj, proc := settings.Subject, settings.Procedure

	subject := &database.Subject{ExternalID: subj.ID, Name: subj.Name, Sex: subj.Sex}
	if subj.Birthday != "" {
		birthday, err := time.Parse(dateLayout, subj.Birthday)
		if err != nil {
			return types.ProcedureResponse{}, database.NewValidationErrorWithValue("subject.birthday", "expected YYYY-MM-DD", subj.Birthday)
		}
		subject.Birthday = &birthday
	}
	subjectID, err := c.store.FindOrCreateSubject(ctx, subject)
	if err != nil {
		return types.ProcedureResponse{}, err
	}

	row, err := procedureRow(subjectID, proc, c.opts.Now())
	if err != nil {
		return types.ProcedureResponse{}, err
	}
	procID, err := c.store.FindOrCreateProcedure(ctx, row)
	if err != nil {
		return types.ProcedureResponse{}, err
	}

	group := c.opts.Defaults.SamplingGroup
	if proc.SamplingGroup != nil {
		group = *proc.SamplingGroup
	}
	labels, err := c.createChannels(ctx, procID, group, proc.ElectrodeSettings)
	if err != nil {
		return types.ProcedureResponse{}, err
	}

	proc.ProcedureID = procID
	proc.SamplingGroup = &group
	if settings.Features == nil {
		settings.Features = c.opts.Features
	}

	data, err := json.Marshal(settings)
	if err != nil {
		return types.ProcedureResponse{}, err
	}
	if err := c.store.SaveProcedureSettings(ctx, procID, data); err != nil {
		return types.ProcedureResponse{}, err
	}
	if err := bus.PublishSettings(ctx, c.bus, settings); err != nil {
		return types.ProcedureResponse{}, fmt.Errorf("publish procedure_settings: %w", err)
	}
	if err := c.mirror.Put(ctx, cache.KeyLastSettings, settings); err != nil {
		log.Printf("⚠️  Procedure controller: settings not mirrored: %v", err)
	}

	c.mu.Lock()
	c.last = &settings
	c.lastSent = c.opts.Now()
	c.procedureID = procID
	c.mu.Unlock()

	log.Printf("✅ Procedure %d opened for subject %s (%s, %d channels)", procID, subj.ID, proc.TargetName, len(labels))
	return types.ProcedureResponse{ProcedureID: procID, SubjectID: subjectID, Channels: labels}, nil
}

func procedureRow(subjectID int64, proc *bus.ProcedureConfig, now time.Time) (*database.Procedure, error) {
	date := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if proc.Date != "" {
		d, err := time.Parse(dateLayout, proc.Date)
		if err != nil {
			return nil, database.NewValidationErrorWithValue("procedure.date", "expected YYYY-MM-DD", proc.Date)
		}
		date = d
	}

	row := &database.Procedure{
		SubjectID:        subjectID,
		TargetName:       proc.TargetName,
		Type:             proc.Type,
		RecordingConfig:  proc.RecordingConfig,
		ElectrodeConfig:  proc.ElectrodeConfig,
		Date:             date,
		DistanceToTarget: proc.DistanceToTarget,
		OffsetDirection:  proc.OffsetDirection,
		OffsetSize:       proc.OffsetSize,
		MedicationStatus: proc.MedicationStatus,
	}
	var err error
	if row.Entry, err = point("entry", proc.Entry); err != nil {
		return nil, err
	}
	if row.Target, err = point("target", proc.Target); err != nil {
		return nil, err
	}
	if row.A, err = point("a", proc.A); err != nil {
		return nil, err
	}
	if row.E, err = point("e", proc.E); err != nil {
		return nil, err
	}
	return row, nil
}

// point encodes an optional 3-vector in millimetres as a jsonb value
func point(name string, vec []float64) (datatypes.JSON, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	if len(vec) != 3 {
		return nil, database.NewValidationErrorWithValue("procedure."+name, "must be a 3-vector", vec)
	}
	data, err := json.Marshal(vec)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(data), nil
}

// createChannels stores the channel set of a new procedure and returns the labels in order
func (c *ProcedureController) createChannels(ctx context.Context, procID int64, group int, electrodes map[string]bus.ElectrodeSetting) ([]string, error) {
	if c.source == nil {
		return nil, errs.Transient(errs.ErrDeviceUnavailable, "procedure", "createChannels", "no signal source")
	}
	infos, err := c.source.GroupConfig(group)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, errs.Config(errs.ErrUnknownGroup, "procedure", "createChannels", fmt.Sprintf("group %d has no channels", group))
	}

	rows := make([]database.Channel, len(infos))
	for i, info := range infos {
		validity := c.opts.Defaults.ElectrodeDefaults.Validity
		if es, ok := electrodes[info.Label]; ok {
			validity = es.Validity
		}
		rows[i] = database.Channel{
			Label:      info.Label,
			SourceID:   info.SourceID,
			SampleRate: info.SampleRate,
			Gain:       info.Gain,
			Threshold:  float64(info.Threshold),
			Validity:   validity / 100,
		}
	}
	if err := c.store.CreateChannels(ctx, procID, rows); err != nil {
		return nil, err
	}

	// An existing procedure keeps the channels it was created with
	stored, err := c.store.ListChannels(ctx, procID)
	if err != nil {
		return nil, err
	}
	labels := make([]string, len(stored))
	for i, ch := range stored {
		labels[i] = ch.Label
	}
	return labels, nil
}

// StopWorkers publishes procedure_settings with running false
func (c *ProcedureController) StopWorkers(ctx context.Context) error {
	if err := bus.PublishShutdown(ctx, c.bus); err != nil {
		return err
	}
	log.Println("🛑 Shutdown published to workers")
	return nil
}

// SetRecording starts or stops on-device recording. Starting names the file
// after the open procedure and passes the patient name to the device.
func (c *ProcedureController) SetRecording(ctx context.Context, req types.RecordingRequest) (types.RecordingResponse, error) {
	if c.source == nil {
		return types.RecordingResponse{}, errs.Transient(errs.ErrDeviceUnavailable, "procedure", "SetRecording", "no signal source")
	}
	if !req.On {
		if err := c.source.SetRecording(false, signal.FileInfo{}); err != nil {
			return types.RecordingResponse{}, errs.Transient(err, "procedure", "SetRecording", "stop recording")
		}
		log.Println("⏹️  Recording stopped")
		return types.RecordingResponse{Recording: false}, nil
	}

	settings, ok := c.LastSettings()
	if !ok || settings.Subject == nil || settings.Procedure == nil {
		return types.RecordingResponse{}, database.NewValidationError("procedure", "no procedure open")
	}
	subj, proc := settings.Subject, settings.Procedure

	date := c.opts.Now()
	if proc.Date != "" {
		if d, err := time.Parse(dateLayout, proc.Date); err == nil {
			date = d
		}
	}
	comment := req.Comment
	if comment == "" {
		comment = subj.NSPComment
	}
	info := signal.FileInfo{
		FileName: helpers.RecordingFileName(c.opts.RecordingBase, subj.ID, proc.TargetName, proc.RecordingConfig, date),
		Comment:  comment,
		Patient:  helpers.ParsePatientName(subj.Name),
	}
	if err := c.source.SetRecording(true, info); err != nil {
		return types.RecordingResponse{}, errs.Transient(err, "procedure", "SetRecording", "start recording")
	}
	log.Printf("⏺️  Recording to %s", info.FileName)
	return types.RecordingResponse{Recording: true, FileName: info.FileName}, nil
}
