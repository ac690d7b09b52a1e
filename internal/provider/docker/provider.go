package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mng/internal/host"
	"mng/internal/ids"
	"mng/internal/mngerrors"
	"mng/internal/provider"
	"mng/internal/state"
)

const (
	// LabelHostID marks containers managed by this provider.
	LabelHostID   = "mng.host.id"
	LabelHostName = "mng.host.name"

	// ContainerHostDir is the host directory inside every container.
	ContainerHostDir = "/var/lib/mng"
)

func init() {
	provider.RegisterBackend("docker", func(instanceName string, settings map[string]any) (provider.Provider, error) {
		stateDir := ""
		if v, ok := settings["state_dir"].(string); ok {
			stateDir = v
		}
		defaultImage := "ubuntu:latest"
		if v, ok := settings["image"].(string); ok && v != "" {
			defaultImage = v
		}
		cli, err := NewClient()
		if err != nil {
			return nil, err
		}
		return NewProvider(instanceName, cli, stateDir, defaultImage)
	})
}

// Provider runs one container per host. Certified host data lives inside
// the container at /var/lib/mng/data.json and is mirrored client-side so
// offline hosts can still be listed.
type Provider struct {
	name         string
	client       *Client
	stateDir     string
	defaultImage string
}

// NewProvider builds the provider. stateDir holds the client-side data
// mirrors and snapshot records (default ~/.mng/providers/<name>).
func NewProvider(name string, client *Client, stateDir, defaultImage string) (*Provider, error) {
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		stateDir = filepath.Join(home, ".mng", "providers", name)
	}
	return &Provider{name: name, client: client, stateDir: stateDir, defaultImage: defaultImage}, nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		SupportsSnapshots:     true,
		SupportsShutdownHosts: true,
		SupportsVolumes:       true,
		SupportsMutableTags:   true,
	}
}

func (p *Provider) mirrorDir(hostID string) string {
	return filepath.Join(p.stateDir, "hosts", hostID)
}

func (p *Provider) writeMirror(d *state.HostData) {
	// Mirror failures must not fail the host operation; the in-container
	// data.json remains the source of truth while the host is reachable.
	_ = state.WriteHostData(p.mirrorDir(d.ID), d)
}

func (p *Provider) readMirror(hostID string) (*state.HostData, error) {
	return state.ReadHostData(p.mirrorDir(hostID))
}

// CreateHost builds the container and initializes the certified record.
func (p *Provider) CreateHost(ctx context.Context, opts provider.CreateHostOptions) (provider.OnlineHost, error) {
	if err := p.client.CheckDaemon(ctx); err != nil {
		return nil, &mngerrors.OfflineError{HostIdentifier: opts.Name, Cause: err}
	}

	name := opts.Name
	if name == "" {
		name = ids.NewName()
	}
	if existing, _ := p.findContainer(ctx, name); existing != nil {
		return nil, mngerrors.NewUserInputError("host name already exists: %s", name)
	}

	hostID := ids.HostId()
	img := opts.Image
	if img == "" {
		img = p.defaultImage
	}
	if opts.SnapshotID != "" {
		snap, err := p.lookupSnapshot(opts.SnapshotID)
		if err != nil {
			return nil, err
		}
		img = snap.Reference
	}

	labels := map[string]string{
		LabelHostID:   hostID,
		LabelHostName: name,
	}
	for k, v := range opts.Tags {
		labels["mng.tag."+k] = v
	}

	activity := state.DefaultActivityConfig()
	if opts.Activity != nil {
		activity = *opts.Activity
	}
	data := &state.HostData{
		ID:    hostID,
		Name:  name,
		State: state.HostStarting,
		Image: img,
	}
	data.SetActivityConfig(activity)
	p.writeMirror(data)

	containerID, err := p.client.CreateHostContainer(ctx, HostContainerOptions{
		Image:  img,
		Name:   "mng-" + name,
		Labels: labels,
		Env:    opts.StartArgs,
	})
	if err != nil {
		data.State = state.HostFailed
		data.FailureReason = err.Error()
		p.writeMirror(data)
		return nil, fmt.Errorf("creating host container: %w", err)
	}

	h := p.onlineHost(containerID, data)
	if err := h.SetCertifiedData(ctx, func(d *state.HostData) {
		d.State = state.HostRunning
	}); err != nil {
		return nil, err
	}
	return h, nil
}

func (p *Provider) onlineHost(containerID string, data *state.HostData) *host.Host {
	conn := &Connector{client: p.client, containerID: containerID}
	return host.New(p.name, ContainerHostDir, data, conn, p.writeMirror)
}

func (p *Provider) findContainer(ctx context.Context, idOrName string) (*containerRecord, error) {
	summaries, err := p.client.ListContainersByLabel(ctx, LabelHostID)
	if err != nil {
		return nil, err
	}
	for _, s := range summaries {
		rec := &containerRecord{
			ContainerID: s.ID,
			HostID:      s.Labels[LabelHostID],
			HostName:    s.Labels[LabelHostName],
			Running:     s.State == "running",
		}
		if rec.HostID == idOrName || rec.HostName == idOrName {
			return rec, nil
		}
	}
	return nil, nil
}

type containerRecord struct {
	ContainerID string
	HostID      string
	HostName    string
	Running     bool
}

func (p *Provider) GetHost(ctx context.Context, idOrName string) (provider.HostInfo, error) {
	rec, err := p.findContainer(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, mngerrors.NewHostNotFoundError(idOrName)
	}
	return p.hostFromRecord(ctx, rec)
}

func (p *Provider) hostFromRecord(ctx context.Context, rec *containerRecord) (provider.HostInfo, error) {
	if rec.Running {
		conn := &Connector{client: p.client, containerID: rec.ContainerID}
		data, err := p.readLiveData(ctx, conn, rec)
		if err != nil {
			return nil, err
		}
		return host.New(p.name, ContainerHostDir, data, conn, p.writeMirror), nil
	}

	data, err := p.readMirror(rec.HostID)
	if err != nil {
		// No mirror; synthesize a minimal offline record from labels.
		data = &state.HostData{ID: rec.HostID, Name: rec.HostName, State: state.HostStopped}
	}
	if data.State == state.HostRunning || data.State == state.HostStarting {
		// The container exited without the control plane stopping it. A
		// clean exit is the in-host activity watcher shutting the host
		// down on idle; anything else is a crash.
		data.State = state.HostCrashed
		data.StopReason = ""
		if inspect, ierr := p.client.InspectContainer(ctx, rec.ContainerID); ierr == nil &&
			inspect.State != nil && inspect.State.ExitCode == 0 {
			data.State = state.HostPaused
			data.StopReason = state.StopReasonPaused
		}
		p.writeMirror(data)
	}
	return &provider.OfflineHost{Provider: p.name, HostData: data}, nil
}

// readLiveData reads data.json from inside the container, falling back to
// the mirror (and then to labels) for containers provisioned out of band.
func (p *Provider) readLiveData(ctx context.Context, conn *Connector, rec *containerRecord) (*state.HostData, error) {
	raw, err := conn.ReadFile(ctx, filepath.Join(ContainerHostDir, "data.json"))
	if err == nil {
		if data, derr := state.DecodeHostData(filepath.Join(ContainerHostDir, "data.json"), raw); derr == nil {
			data.State = state.HostRunning
			return data, nil
		}
	}
	if data, merr := p.readMirror(rec.HostID); merr == nil {
		data.State = state.HostRunning
		return data, nil
	}
	data := &state.HostData{ID: rec.HostID, Name: rec.HostName, State: state.HostRunning}
	data.SetActivityConfig(state.DefaultActivityConfig())
	return data, nil
}

func (p *Provider) ListHosts(ctx context.Context, includeDestroyed bool) ([]provider.HostInfo, error) {
	summaries, err := p.client.ListContainersByLabel(ctx, LabelHostID)
	if err != nil {
		return nil, err
	}
	var hosts []provider.HostInfo
	for _, s := range summaries {
		rec := &containerRecord{
			ContainerID: s.ID,
			HostID:      s.Labels[LabelHostID],
			HostName:    s.Labels[LabelHostName],
			Running:     s.State == "running",
		}
		h, err := p.hostFromRecord(ctx, rec)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

func (p *Provider) StartHost(ctx context.Context, hostID, snapshotID string) (provider.OnlineHost, error) {
	rec, err := p.findContainer(ctx, hostID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, mngerrors.NewHostNotFoundError(hostID)
	}
	if snapshotID != "" {
		// Restoring a snapshot replaces the container with one built from
		// the committed image.
		snap, err := p.lookupSnapshot(snapshotID)
		if err != nil {
			return nil, err
		}
		if err := p.client.RemoveContainer(ctx, rec.ContainerID); err != nil {
			return nil, fmt.Errorf("removing old container for restore: %w", err)
		}
		data, merr := p.readMirror(rec.HostID)
		if merr != nil {
			return nil, merr
		}
		containerID, err := p.client.CreateHostContainer(ctx, HostContainerOptions{
			Image: snap.Reference,
			Name:  "mng-" + rec.HostName,
			Labels: map[string]string{
				LabelHostID:   rec.HostID,
				LabelHostName: rec.HostName,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("restoring host from snapshot: %w", err)
		}
		h := p.onlineHost(containerID, data)
		if err := h.SetCertifiedData(ctx, func(d *state.HostData) {
			d.State = state.HostRunning
			d.StopReason = ""
		}); err != nil {
			return nil, err
		}
		return h, nil
	}

	if !rec.Running {
		if err := p.client.StartContainer(ctx, rec.ContainerID); err != nil {
			return nil, fmt.Errorf("starting host container: %w", err)
		}
	}
	info, err := p.hostFromRecord(ctx, &containerRecord{
		ContainerID: rec.ContainerID, HostID: rec.HostID, HostName: rec.HostName, Running: true,
	})
	if err != nil {
		return nil, err
	}
	h := info.(provider.OnlineHost)
	if err := h.SetCertifiedData(ctx, func(d *state.HostData) {
		d.State = state.HostRunning
		d.StopReason = ""
	}); err != nil {
		return nil, err
	}
	return h, nil
}

func (p *Provider) StopHost(ctx context.Context, hostID string, createSnapshot bool) error {
	return p.stopHost(ctx, hostID, createSnapshot, state.StopReasonStopped)
}

// SetStopReason lets the enforcement loop record PAUSED instead of
// STOPPED when it idle-stops a host.
func (p *Provider) SetStopReason(ctx context.Context, hostID string, reason state.StopReason) error {
	data, err := p.readMirror(hostID)
	if err != nil {
		return err
	}
	data.StopReason = reason
	p.writeMirror(data)
	return nil
}

func (p *Provider) stopHost(ctx context.Context, hostID string, createSnapshot bool, reason state.StopReason) error {
	rec, err := p.findContainer(ctx, hostID)
	if err != nil {
		return err
	}
	if rec == nil {
		return mngerrors.NewHostNotFoundError(hostID)
	}
	if rec.Running {
		info, err := p.hostFromRecord(ctx, rec)
		if err == nil {
			if h, ok := info.(provider.OnlineHost); ok {
				_ = h.SetCertifiedData(ctx, func(d *state.HostData) {
					d.State = state.HostStopping
				})
			}
		}
		if createSnapshot {
			if _, err := p.CreateSnapshot(ctx, rec.HostID); err != nil {
				return fmt.Errorf("creating stop snapshot: %w", err)
			}
		}
		if err := p.client.StopContainer(ctx, rec.ContainerID); err != nil {
			return fmt.Errorf("stopping host container: %w", err)
		}
	}
	data, err := p.readMirror(rec.HostID)
	if err != nil {
		data = &state.HostData{ID: rec.HostID, Name: rec.HostName}
	}
	data.State = state.HostStopped
	if reason == state.StopReasonPaused {
		data.State = state.HostPaused
	}
	data.StopReason = reason
	p.writeMirror(data)
	return nil
}

func (p *Provider) DestroyHost(ctx context.Context, hostID string) error {
	rec, err := p.findContainer(ctx, hostID)
	if err != nil {
		return err
	}
	if rec == nil {
		return mngerrors.NewHostNotFoundError(hostID)
	}
	if err := p.client.RemoveContainer(ctx, rec.ContainerID); err != nil {
		return fmt.Errorf("removing host container: %w", err)
	}
	data, err := p.readMirror(rec.HostID)
	if err == nil {
		data.State = state.HostDestroyed
		p.writeMirror(data)
	}
	return nil
}

func (p *Provider) ListPersistedAgentDataForHost(ctx context.Context, hostID string) ([]state.AgentData, error) {
	info, err := p.GetHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	h, ok := info.(provider.OnlineHost)
	if !ok {
		return nil, &mngerrors.OfflineError{HostIdentifier: hostID}
	}
	return h.GetAgents(ctx)
}

// snapshotsPath records committed snapshots client-side.
func (p *Provider) snapshotsPath() string {
	return filepath.Join(p.stateDir, "snapshots.json")
}

func (p *Provider) loadSnapshots() (map[string]provider.Snapshot, error) {
	snaps := make(map[string]provider.Snapshot)
	raw, err := os.ReadFile(p.snapshotsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return snaps, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(raw, &snaps); err != nil {
		return nil, &mngerrors.SchemaError{Path: p.snapshotsPath(), ValidationError: err.Error()}
	}
	return snaps, nil
}

func (p *Provider) saveSnapshots(snaps map[string]provider.Snapshot) error {
	raw, err := json.MarshalIndent(snaps, "", "  ")
	if err != nil {
		return err
	}
	return state.WriteFileAtomic(p.snapshotsPath(), raw, 0o644)
}

func (p *Provider) lookupSnapshot(snapshotID string) (*provider.Snapshot, error) {
	snaps, err := p.loadSnapshots()
	if err != nil {
		return nil, err
	}
	snap, ok := snaps[snapshotID]
	if !ok {
		return nil, mngerrors.NewSnapshotNotFoundError(snapshotID)
	}
	return &snap, nil
}

func (p *Provider) CreateSnapshot(ctx context.Context, hostID string) (*provider.Snapshot, error) {
	rec, err := p.findContainer(ctx, hostID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, mngerrors.NewHostNotFoundError(hostID)
	}
	snapshotID := ids.SnapshotId()
	reference := "mng-snapshot-" + strings.TrimPrefix(snapshotID, "snap-")
	if _, err := p.client.CommitContainer(ctx, rec.ContainerID, reference); err != nil {
		return nil, err
	}
	snap := provider.Snapshot{
		ID:         snapshotID,
		HostID:     rec.HostID,
		CreateTime: time.Now().UTC(),
		Reference:  reference,
	}
	snaps, err := p.loadSnapshots()
	if err != nil {
		return nil, err
	}
	snaps[snapshotID] = snap
	if err := p.saveSnapshots(snaps); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (p *Provider) ListSnapshots(ctx context.Context, hostID string) ([]provider.Snapshot, error) {
	snaps, err := p.loadSnapshots()
	if err != nil {
		return nil, err
	}
	var out []provider.Snapshot
	for _, snap := range snaps {
		if hostID == "" || snap.HostID == hostID {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (p *Provider) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	snaps, err := p.loadSnapshots()
	if err != nil {
		return err
	}
	snap, ok := snaps[snapshotID]
	if !ok {
		return mngerrors.NewSnapshotNotFoundError(snapshotID)
	}
	if err := p.client.RemoveImage(ctx, snap.Reference); err != nil {
		return err
	}
	delete(snaps, snapshotID)
	return p.saveSnapshots(snaps)
}

func (p *Provider) ListVolumes(ctx context.Context) ([]provider.Volume, error) {
	vols, err := p.client.ListVolumes(ctx, LabelHostID)
	if err != nil {
		return nil, err
	}
	var out []provider.Volume
	for _, v := range vols {
		out = append(out, provider.Volume{ID: v.Name, Name: v.Name, MountPath: v.Mountpoint})
	}
	return out, nil
}

func (p *Provider) DeleteVolume(ctx context.Context, volumeID string) error {
	return p.client.RemoveVolume(ctx, volumeID)
}

// Tags are stored client-side: container labels are immutable after
// create, and the provider declares supports_mutable_tags.
func (p *Provider) tagsPath(hostID string) string {
	return filepath.Join(p.mirrorDir(hostID), "tags.json")
}

func (p *Provider) GetTags(ctx context.Context, hostID string) (map[string]string, error) {
	raw, err := os.ReadFile(p.tagsPath(hostID))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	tags := make(map[string]string)
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil, &mngerrors.SchemaError{Path: p.tagsPath(hostID), ValidationError: err.Error()}
	}
	return tags, nil
}

func (p *Provider) SetTags(ctx context.Context, hostID string, tags map[string]string) error {
	raw, err := json.MarshalIndent(tags, "", "  ")
	if err != nil {
		return err
	}
	return state.WriteFileAtomic(p.tagsPath(hostID), raw, 0o644)
}
