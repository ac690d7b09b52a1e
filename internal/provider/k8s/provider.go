package k8s

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"mng/internal/host"
	"mng/internal/ids"
	"mng/internal/mngerrors"
	"mng/internal/provider"
	"mng/internal/state"
)

const (
	// LabelHostID marks pods managed by this provider.
	LabelHostID   = "mng.imbue.dev/host-id"
	LabelHostName = "mng.imbue.dev/host-name"

	// PodHostDir is the host directory inside every pod.
	PodHostDir = "/var/lib/mng"
)

func init() {
	provider.RegisterBackend("k8s", func(instanceName string, settings map[string]any) (provider.Provider, error) {
		namespace := ""
		if v, ok := settings["namespace"].(string); ok {
			namespace = v
		}
		defaultImage := "ubuntu:latest"
		if v, ok := settings["image"].(string); ok && v != "" {
			defaultImage = v
		}
		stateDir := ""
		if v, ok := settings["state_dir"].(string); ok {
			stateDir = v
		}
		cli, err := NewClient(namespace)
		if err != nil {
			return nil, err
		}
		return NewProvider(instanceName, cli, stateDir, defaultImage)
	})
}

// Provider runs one Pod per host.
type Provider struct {
	name         string
	client       *Client
	stateDir     string
	defaultImage string
}

// NewProvider builds the provider; stateDir holds client-side data
// mirrors (default ~/.mng/providers/<name>).
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
		SupportsSnapshots:     false,
		SupportsShutdownHosts: true,
		SupportsVolumes:       false,
		SupportsMutableTags:   true,
	}
}

func (p *Provider) mirrorDir(hostID string) string {
	return filepath.Join(p.stateDir, "hosts", hostID)
}

func (p *Provider) writeMirror(d *state.HostData) {
	_ = state.WriteHostData(p.mirrorDir(d.ID), d)
}

func (p *Provider) readMirror(hostID string) (*state.HostData, error) {
	return state.ReadHostData(p.mirrorDir(hostID))
}

func podName(hostName string) string { return "mng-" + hostName }

func (p *Provider) podSpec(hostID, hostName, image string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name: podName(hostName),
			Labels: map[string]string{
				LabelHostID:   hostID,
				LabelHostName: hostName,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:    "host",
					Image:   image,
					Command: []string{"/bin/sh", "-c", "sleep infinity"},
				},
			},
		},
	}
}

func (p *Provider) CreateHost(ctx context.Context, opts provider.CreateHostOptions) (provider.OnlineHost, error) {
	if opts.SnapshotID != "" {
		return nil, mngerrors.NewUserInputError("the k8s provider does not support snapshots")
	}
	name := opts.Name
	if name == "" {
		name = ids.NewName()
	}
	img := opts.Image
	if img == "" {
		img = p.defaultImage
	}
	hostID := ids.HostId()

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

	pods := p.client.Clientset.CoreV1().Pods(p.client.Namespace)
	pod, err := pods.Create(ctx, p.podSpec(hostID, name, img), metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil, mngerrors.NewUserInputError("host name already exists: %s", name)
		}
		if apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err) {
			return nil, &mngerrors.NotAuthorizedError{ProviderName: p.name, Cause: err}
		}
		data.State = state.HostFailed
		data.FailureReason = err.Error()
		p.writeMirror(data)
		return nil, fmt.Errorf("creating host pod: %w", err)
	}

	if err := p.waitForPodRunning(ctx, pod.Name); err != nil {
		data.State = state.HostFailed
		data.FailureReason = err.Error()
		p.writeMirror(data)
		return nil, err
	}

	h := p.onlineHost(pod.Name, data)
	if err := h.SetCertifiedData(ctx, func(d *state.HostData) {
		d.State = state.HostRunning
	}); err != nil {
		return nil, err
	}
	return h, nil
}

func (p *Provider) waitForPodRunning(ctx context.Context, name string) error {
	pods := p.client.Clientset.CoreV1().Pods(p.client.Namespace)
	deadline := time.Now().Add(2 * time.Minute)
	for {
		pod, err := pods.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("waiting for host pod: %w", err)
		}
		if pod.Status.Phase == corev1.PodRunning {
			return nil
		}
		if pod.Status.Phase == corev1.PodFailed {
			return fmt.Errorf("host pod failed: %s", pod.Status.Reason)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for host pod %s to run", name)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (p *Provider) onlineHost(pod string, data *state.HostData) *host.Host {
	conn := &Connector{client: p.client, podName: pod}
	return host.New(p.name, PodHostDir, data, conn, p.writeMirror)
}

func (p *Provider) findPod(ctx context.Context, idOrName string) (*corev1.Pod, error) {
	pods := p.client.Clientset.CoreV1().Pods(p.client.Namespace)
	list, err := pods.List(ctx, metav1.ListOptions{LabelSelector: LabelHostID})
	if err != nil {
		if apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err) {
			return nil, &mngerrors.NotAuthorizedError{ProviderName: p.name, Cause: err}
		}
		return nil, err
	}
	for i := range list.Items {
		pod := &list.Items[i]
		if pod.Labels[LabelHostID] == idOrName || pod.Labels[LabelHostName] == idOrName {
			return pod, nil
		}
	}
	return nil, nil
}

func (p *Provider) GetHost(ctx context.Context, idOrName string) (provider.HostInfo, error) {
	pod, err := p.findPod(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if pod != nil {
		return p.hostFromPod(ctx, pod)
	}
	// Stopped hosts have no pod; fall back to the mirror by id or name.
	if data, merr := p.findMirror(idOrName); merr == nil {
		return &provider.OfflineHost{Provider: p.name, HostData: data}, nil
	}
	return nil, mngerrors.NewHostNotFoundError(idOrName)
}

func (p *Provider) findMirror(idOrName string) (*state.HostData, error) {
	entries, err := os.ReadDir(filepath.Join(p.stateDir, "hosts"))
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		data, err := p.readMirror(entry.Name())
		if err != nil {
			continue
		}
		if data.ID == idOrName || data.Name == idOrName {
			return data, nil
		}
	}
	return nil, mngerrors.NewHostNotFoundError(idOrName)
}

func (p *Provider) hostFromPod(ctx context.Context, pod *corev1.Pod) (provider.HostInfo, error) {
	hostID := pod.Labels[LabelHostID]
	data, err := p.readMirror(hostID)
	if err != nil {
		data = &state.HostData{ID: hostID, Name: pod.Labels[LabelHostName]}
		data.SetActivityConfig(state.DefaultActivityConfig())
	}
	switch pod.Status.Phase {
	case corev1.PodRunning:
		data.State = state.HostRunning
		return p.onlineHost(pod.Name, data), nil
	case corev1.PodPending:
		data.State = state.HostStarting
	default:
		if data.State != state.HostStopped && data.State != state.HostPaused {
			data.State = state.HostCrashed
		}
	}
	return &provider.OfflineHost{Provider: p.name, HostData: data}, nil
}

func (p *Provider) ListHosts(ctx context.Context, includeDestroyed bool) ([]provider.HostInfo, error) {
	pods := p.client.Clientset.CoreV1().Pods(p.client.Namespace)
	list, err := pods.List(ctx, metav1.ListOptions{LabelSelector: LabelHostID})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]provider.HostInfo)
	for i := range list.Items {
		pod := &list.Items[i]
		h, err := p.hostFromPod(ctx, pod)
		if err != nil {
			return nil, err
		}
		byID[h.ID()] = h
	}
	// Include podless (stopped/destroyed) hosts from the mirrors.
	if entries, err := os.ReadDir(filepath.Join(p.stateDir, "hosts")); err == nil {
		for _, entry := range entries {
			if _, seen := byID[entry.Name()]; seen {
				continue
			}
			data, err := p.readMirror(entry.Name())
			if err != nil {
				continue
			}
			if data.State == state.HostDestroyed && !includeDestroyed {
				continue
			}
			byID[data.ID] = &provider.OfflineHost{Provider: p.name, HostData: data}
		}
	}
	hosts := make([]provider.HostInfo, 0, len(byID))
	for _, h := range byID {
		hosts = append(hosts, h)
	}
	return hosts, nil
}

func (p *Provider) StartHost(ctx context.Context, hostID, snapshotID string) (provider.OnlineHost, error) {
	if snapshotID != "" {
		return nil, mngerrors.NewUserInputError("the k8s provider does not support snapshots")
	}
	pod, err := p.findPod(ctx, hostID)
	if err != nil {
		return nil, err
	}
	if pod != nil && pod.Status.Phase == corev1.PodRunning {
		info, err := p.hostFromPod(ctx, pod)
		if err != nil {
			return nil, err
		}
		return info.(provider.OnlineHost), nil
	}
	data, err := p.findMirror(hostID)
	if err != nil {
		return nil, mngerrors.NewHostNotFoundError(hostID)
	}
	if pod != nil {
		// A dead pod must go before its replacement can take the name.
		if err := p.deletePod(ctx, pod.Name); err != nil {
			return nil, err
		}
	}
	pods := p.client.Clientset.CoreV1().Pods(p.client.Namespace)
	created, err := pods.Create(ctx, p.podSpec(data.ID, data.Name, data.Image), metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("recreating host pod: %w", err)
	}
	if err := p.waitForPodRunning(ctx, created.Name); err != nil {
		return nil, err
	}
	h := p.onlineHost(created.Name, data)
	if err := h.SetCertifiedData(ctx, func(d *state.HostData) {
		d.State = state.HostRunning
		d.StopReason = ""
	}); err != nil {
		return nil, err
	}
	return h, nil
}

func (p *Provider) deletePod(ctx context.Context, name string) error {
	pods := p.client.Clientset.CoreV1().Pods(p.client.Namespace)
	err := pods.Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	return nil
}

func (p *Provider) StopHost(ctx context.Context, hostID string, createSnapshot bool) error {
	return p.stopHost(ctx, hostID, state.StopReasonStopped)
}

// SetStopReason lets the enforcement loop record PAUSED for idle stops.
func (p *Provider) SetStopReason(ctx context.Context, hostID string, reason state.StopReason) error {
	data, err := p.readMirror(hostID)
	if err != nil {
		return err
	}
	data.StopReason = reason
	if reason == state.StopReasonPaused {
		data.State = state.HostPaused
	}
	p.writeMirror(data)
	return nil
}

func (p *Provider) stopHost(ctx context.Context, hostID string, reason state.StopReason) error {
	pod, err := p.findPod(ctx, hostID)
	if err != nil {
		return err
	}
	data, merr := p.findMirror(hostID)
	if pod == nil && merr != nil {
		return mngerrors.NewHostNotFoundError(hostID)
	}
	if pod != nil {
		if err := p.deletePod(ctx, pod.Name); err != nil {
			return fmt.Errorf("deleting host pod: %w", err)
		}
		if merr != nil {
			data = &state.HostData{ID: pod.Labels[LabelHostID], Name: pod.Labels[LabelHostName]}
		}
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
	pod, err := p.findPod(ctx, hostID)
	if err != nil {
		return err
	}
	data, merr := p.findMirror(hostID)
	if pod == nil && merr != nil {
		return mngerrors.NewHostNotFoundError(hostID)
	}
	if pod != nil {
		if err := p.deletePod(ctx, pod.Name); err != nil {
			return fmt.Errorf("deleting host pod: %w", err)
		}
	}
	if merr == nil {
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

func (p *Provider) CreateSnapshot(ctx context.Context, hostID string) (*provider.Snapshot, error) {
	return nil, mngerrors.NewUserInputError("the k8s provider does not support snapshots")
}

func (p *Provider) ListSnapshots(ctx context.Context, hostID string) ([]provider.Snapshot, error) {
	return nil, nil
}

func (p *Provider) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	return mngerrors.NewSnapshotNotFoundError(snapshotID)
}

func (p *Provider) ListVolumes(ctx context.Context) ([]provider.Volume, error) { return nil, nil }

func (p *Provider) DeleteVolume(ctx context.Context, volumeID string) error {
	return &mngerrors.NotFoundError{Kind: "volume", Identifier: volumeID}
}

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

// Connector is the provider's command-runner handle: every operation is
// an exec stream into the host pod.
type Connector struct {
	client  *Client
	podName string
}

func (c *Connector) Run(ctx context.Context, command string, timeout time.Duration) (provider.ExecResult, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := c.client.Exec(runCtx, c.podName, []string{"/bin/sh", "-c", command}, nil)
	if err != nil {
		return provider.ExecResult{}, err
	}
	return provider.ExecResult{
		Stdout:  res.Stdout,
		Stderr:  res.Stderr,
		Success: res.ExitCode == 0,
	}, nil
}

func (c *Connector) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	cmd := fmt.Sprintf("mkdir -p '%s' && base64 -d > '%s' && chmod %o '%s'",
		filepath.Dir(path), path, mode.Perm(), path)
	res, err := c.client.Exec(ctx, c.podName, []string{"/bin/sh", "-c", cmd}, []byte(encoded))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("writing %s in pod: %s", path, res.Stderr)
	}
	return nil
}

func (c *Connector) ReadFile(ctx context.Context, path string) ([]byte, error) {
	res, err := c.client.Exec(ctx, c.podName, []string{"/bin/sh", "-c", fmt.Sprintf("base64 < '%s'", path)}, nil)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("reading %s in pod: %s", path, res.Stderr)
	}
	compact := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, res.Stdout)
	return base64.StdEncoding.DecodeString(compact)
}
