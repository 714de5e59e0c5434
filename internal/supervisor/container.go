package supervisor

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/runspace/runspace/internal/logging"
)

// containerWorkDir is where the host work dir is mounted inside the
// container; the server in the image is pointed at it via environment.
const containerWorkDir = "/workdir"

func (s *Supervisor) startContainer(ctx context.Context) error {
	if s.cfg.Image == "" {
		return &Error{Op: "start", Detail: "no container image configured"}
	}
	if s.cfg.KillExisting {
		if err := preemptPort(s.cfg.Port); err != nil {
			return &Error{Op: "start", Detail: err.Error()}
		}
	}

	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return &Error{Op: "start", Detail: fmt.Sprintf("docker client: %v", err)}
	}
	defer cli.Close()

	if err := s.ensureImage(ctx, cli); err != nil {
		return err
	}

	inner, err := nat.NewPort("tcp", fmt.Sprintf("%d", s.cfg.ContainerPort))
	if err != nil {
		return &Error{Op: "start", Detail: err.Error()}
	}

	env := []string{
		"SERVER_HOST=0.0.0.0",
		fmt.Sprintf("SERVER_PORT=%d", s.cfg.ContainerPort),
		"SERVER_WORK_DIR=" + containerWorkDir,
	}
	if s.cfg.APIKey != "" {
		env = append(env, "SERVER_API_KEY="+s.cfg.APIKey)
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			inner: []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: fmt.Sprintf("%d", s.cfg.Port),
			}},
		},
	}
	if s.cfg.WorkDir != "" {
		hostCfg.Binds = []string{s.cfg.WorkDir + ":" + containerWorkDir}
	}

	created, err := cli.ContainerCreate(ctx, &container.Config{
		Image:        s.cfg.Image,
		Env:          env,
		ExposedPorts: nat.PortSet{inner: struct{}{}},
	}, hostCfg, nil, nil, "")
	if err != nil {
		return &Error{Op: "start", Detail: fmt.Sprintf("create container: %v", err)}
	}

	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return &Error{Op: "start", Detail: fmt.Sprintf("start container: %v", err)}
	}
	s.containerID = created.ID
	logging.Info().Str("container", created.ID[:12]).Str("image", s.cfg.Image).Msg("server container started")

	if err := s.waitReady(ctx, nil); err != nil {
		s.stopContainer()
		s.containerID = ""
		return err
	}
	return nil
}

// ensureImage pulls the image only when it is not already present.
func (s *Supervisor) ensureImage(ctx context.Context, cli *dockerclient.Client) error {
	_, _, err := cli.ImageInspectWithRaw(ctx, s.cfg.Image)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return &Error{Op: "start", Detail: fmt.Sprintf("inspect image: %v", err)}
	}

	logging.Info().Str("image", s.cfg.Image).Msg("pulling server image")
	rc, err := cli.ImagePull(ctx, s.cfg.Image, types.ImagePullOptions{})
	if err != nil {
		return &Error{Op: "start", Detail: fmt.Sprintf("pull image: %v", err)}
	}
	defer rc.Close()
	// Drain the progress stream; the pull completes when it ends.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return &Error{Op: "start", Detail: fmt.Sprintf("pull image: %v", err)}
	}
	return nil
}

func (s *Supervisor) stopContainer() {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		logging.Warn().Err(err).Msg("docker client unavailable for stop")
		return
	}
	defer cli.Close()

	ctx := context.Background()
	timeout := 10
	if err := cli.ContainerStop(ctx, s.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		logging.Warn().Err(err).Str("container", s.containerID[:12]).Msg("container stop failed")
	}
	if err := cli.ContainerRemove(ctx, s.containerID, container.RemoveOptions{Force: true}); err != nil {
		logging.Debug().Err(err).Str("container", s.containerID[:12]).Msg("container remove failed")
	}
}
