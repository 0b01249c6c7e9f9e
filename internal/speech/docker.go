package speech

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
)

// DockerConfig configures the offline recognizer container
type DockerConfig struct {
	// Image must contain a CLI that prints the transcript of the file given
	// as its last argument, e.g. a Vosk or whisper.cpp wrapper.
	Image    string
	Command  []string
	Timeout  time.Duration
	MemoryMB int
	CPULimit float64
}

// DefaultDockerConfig returns settings for the bundled Vosk image
func DefaultDockerConfig() DockerConfig {
	return DockerConfig{
		Image:    "alphacep/kaldi-en:latest",
		Command:  []string{"vosk-transcriber", "-i"},
		Timeout:  30 * time.Second,
		MemoryMB: 1024,
		CPULimit: 1,
	}
}

// Docker transcribes audio inside a long-lived recognizer container. The
// container is created on first use and removed by Close.
type Docker struct {
	client *client.Client
	cfg    DockerConfig

	mu          sync.Mutex
	containerID string
}

// NewDocker connects to the local Docker daemon
func NewDocker(cfg DockerConfig) (*Docker, error) {
	if cfg.Image == "" || len(cfg.Command) == 0 {
		return nil, fmt.Errorf("docker transcriber: image and command are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	// Verify Docker is reachable
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: docker not reachable: %w", ErrUnavailable, err)
	}

	return &Docker{client: cli, cfg: cfg}, nil
}

// Transcribe copies the audio into the container and runs the recognizer
func (d *Docker) Transcribe(ctx context.Context, audio Audio) (string, error) {
	if len(audio.Data) == 0 {
		return "", ErrUnrecognized
	}

	id, err := d.ensureContainer(ctx)
	if err != nil {
		return "", err
	}

	name := uuid.NewString() + path.Ext(fileName(audio.MimeType))
	if err := d.copyFile(ctx, id, name, audio.Data); err != nil {
		return "", fmt.Errorf("copy audio: %w", err)
	}

	cmd := append(append([]string{}, d.cfg.Command...), "/workspace/"+name)
	stdout, stderr, exitCode, err := d.exec(ctx, id, cmd)
	// Best effort; the container is private to the bot.
	_, _, _, _ = d.exec(ctx, id, []string{"rm", "-f", "/workspace/" + name})
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", fmt.Errorf("recognizer exited %d: %s", exitCode, strings.TrimSpace(stderr))
	}
	return clean(parseTranscript(stdout))
}

func (d *Docker) ensureContainer(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.containerID != "" {
		info, err := d.client.ContainerInspect(ctx, d.containerID)
		if err == nil && info.State.Running {
			return d.containerID, nil
		}
		_ = d.client.ContainerRemove(ctx, d.containerID, container.RemoveOptions{Force: true})
		d.containerID = ""
	}

	if err := d.ensureImage(ctx); err != nil {
		return "", fmt.Errorf("ensure image: %w", err)
	}

	containerCfg := &container.Config{
		Image:           d.cfg.Image,
		Cmd:             []string{"sh", "-c", "mkdir -p /workspace && while true; do sleep 3600; done"},
		WorkingDir:      "/workspace",
		NetworkDisabled: true,
		Labels: map[string]string{
			"escape.speech": "true",
		},
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:   int64(d.cfg.MemoryMB) * 1024 * 1024,
			NanoCPUs: int64(d.cfg.CPULimit * 1e9),
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}

	d.containerID = resp.ID
	return resp.ID, nil
}

func (d *Docker) ensureImage(ctx context.Context) error {
	if _, err := d.client.ImageInspect(ctx, d.cfg.Image); err == nil {
		return nil
	}

	reader, err := d.client.ImagePull(ctx, d.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", d.cfg.Image, err)
	}
	defer reader.Close()
	// Drain the reader to complete the pull
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func (d *Docker) copyFile(ctx context.Context, containerID, name string, data []byte) error {
	archive, err := tarFile(name, data)
	if err != nil {
		return err
	}
	return d.client.CopyToContainer(ctx, containerID, "/workspace", archive, container.CopyToContainerOptions{})
}

func (d *Docker) exec(ctx context.Context, containerID string, cmd []string) (string, string, int, error) {
	execCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	execResp, err := d.client.ContainerExecCreate(execCtx, containerID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   "/workspace",
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", "", 0, fmt.Errorf("create exec: %w", err)
	}

	attachResp, err := d.client.ContainerExecAttach(execCtx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", "", 0, fmt.Errorf("attach exec: %w", err)
	}
	defer attachResp.Close()

	var out bytes.Buffer
	_, _ = io.Copy(&out, attachResp.Reader)

	inspect, err := d.client.ContainerExecInspect(execCtx, execResp.ID)
	if err != nil {
		return "", "", 0, fmt.Errorf("inspect exec: %w", err)
	}

	stdout, stderr := demuxOutput(out.Bytes())
	return stdout, stderr, inspect.ExitCode, nil
}

// Close removes the recognizer container and closes the client
func (d *Docker) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.containerID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		timeout := 5
		_ = d.client.ContainerStop(ctx, d.containerID, container.StopOptions{Timeout: &timeout})
		_ = d.client.ContainerRemove(ctx, d.containerID, container.RemoveOptions{Force: true})
		d.containerID = ""
	}
	return d.client.Close()
}

func tarFile(name string, data []byte) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	header := &tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(header); err != nil {
		return nil, fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return nil, fmt.Errorf("write tar content: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	return &buf, nil
}

// parseTranscript accepts either plain text or Vosk's JSON result lines
// ({"text": "..."}), joining multiple results with spaces.
func parseTranscript(out string) string {
	var parts []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "{") {
			var res struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal([]byte(line), &res); err == nil {
				if res.Text != "" {
					parts = append(parts, res.Text)
				}
				continue
			}
		}
		parts = append(parts, line)
	}
	return strings.Join(parts, " ")
}

// demuxOutput separates Docker multiplexed stdout/stderr streams.
// Each frame has an 8-byte header: [type][0][0][0][size1..size4], type 1=stdout, 2=stderr.
func demuxOutput(data []byte) (stdout, stderr string) {
	var outBuf, errBuf strings.Builder
	raw := data

	for len(data) >= 8 {
		streamType := data[0]
		size := int(data[4])<<24 | int(data[5])<<16 | int(data[6])<<8 | int(data[7])
		data = data[8:]

		if size > len(data) {
			size = len(data)
		}
		chunk := string(data[:size])
		data = data[size:]

		switch streamType {
		case 1:
			outBuf.WriteString(chunk)
		case 2:
			errBuf.WriteString(chunk)
		}
	}

	// Without frame headers the whole output is stdout.
	if outBuf.Len() == 0 && errBuf.Len() == 0 && len(raw) > 0 {
		return string(raw), ""
	}
	return outBuf.String(), errBuf.String()
}
