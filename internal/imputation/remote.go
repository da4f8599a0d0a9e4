package imputation

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/zulandar/geneq/internal/logging"
	"github.com/zulandar/geneq/internal/matrix"
	"github.com/zulandar/geneq/internal/modality"
)

// RemoteRunner hands aligned modality matrices to an external model and
// returns one completed matrix per modality.
type RemoteRunner interface {
	Run(ctx context.Context, jobID string, inputs map[modality.Modality]*matrix.Matrix) (map[modality.Modality]*matrix.Matrix, error)
}

// SSHConfig locates the model server. Jump fields are optional; when
// JumpHost is set the connection to Host is tunnelled through it.
type SSHConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	KeyPath      string
	JumpHost     string
	JumpPort     int
	JumpUser     string
	JumpPassword string
	WorkDir      string
	// Command is a text/template rendered with .Input, .Output and
	// .Modalities (comma separated).
	Command string
	Timeout time.Duration
}

// SSHRunner uploads inputs over SFTP, runs the model command in an SSH
// session, and downloads <modality>_imputed.tsv from the output directory.
type SSHRunner struct {
	cfg    SSHConfig
	tmpl   *template.Template
	logger *slog.Logger
}

// NewSSHRunner validates cfg and parses the command template.
func NewSSHRunner(cfg SSHConfig, logger *slog.Logger) (*SSHRunner, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("imputation: remote host is required")
	}
	if strings.TrimSpace(cfg.User) == "" {
		return nil, fmt.Errorf("imputation: remote user is required")
	}
	if cfg.Password == "" && cfg.KeyPath == "" {
		return nil, fmt.Errorf("imputation: remote password or key_path is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.JumpHost != "" && cfg.JumpPort == 0 {
		cfg.JumpPort = 22
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "/tmp/geneq-mochi"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	tmpl, err := template.New("command").Option("missingkey=error").Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("imputation: parse remote command: %w", err)
	}
	return &SSHRunner{cfg: cfg, tmpl: tmpl, logger: logging.OrDiscard(logger)}, nil
}

type commandVars struct {
	Input      string
	Output     string
	Modalities string
}

// Command renders the model command for a job's directories.
func (r *SSHRunner) Command(input, output string, mods []modality.Modality) (string, error) {
	names := make([]string, len(mods))
	for i, m := range mods {
		names[i] = string(m)
	}
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, commandVars{Input: input, Output: output, Modalities: strings.Join(names, ",")}); err != nil {
		return "", fmt.Errorf("imputation: render remote command: %w", err)
	}
	return buf.String(), nil
}

// JobDirs returns the remote input and output directories for jobID.
func (r *SSHRunner) JobDirs(jobID string) (input, output string) {
	base := path.Join(r.cfg.WorkDir, jobID)
	return path.Join(base, "input"), path.Join(base, "output")
}

func (r *SSHRunner) Run(ctx context.Context, jobID string, inputs map[modality.Modality]*matrix.Matrix) (map[modality.Modality]*matrix.Matrix, error) {
	logger := r.logger.With("job_id", jobID, "host", r.cfg.Host)
	start := time.Now()

	client, closeAll, err := r.connect()
	if err != nil {
		return nil, err
	}
	defer closeAll()

	fs, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("imputation: sftp: %w", err)
	}
	defer fs.Close()

	inDir, outDir := r.JobDirs(jobID)
	for _, dir := range []string{inDir, outDir} {
		if err := fs.MkdirAll(dir); err != nil {
			return nil, fmt.Errorf("imputation: remote mkdir %s: %w", dir, err)
		}
	}
	mods := sortedModalities(inputs)
	for _, mod := range mods {
		if err := uploadMatrix(fs, path.Join(inDir, string(mod)+".tsv"), inputs[mod]); err != nil {
			return nil, err
		}
	}
	logger.Info("remote inputs uploaded", "modalities", len(mods))

	cmd, err := r.Command(inDir, outDir, mods)
	if err != nil {
		return nil, err
	}
	if err := runSession(ctx, client, cmd); err != nil {
		return nil, fmt.Errorf("imputation: remote command: %w", err)
	}

	out := make(map[modality.Modality]*matrix.Matrix, len(mods))
	for _, mod := range mods {
		name := string(mod) + "_imputed.tsv"
		m, err := downloadMatrix(fs, path.Join(outDir, name), name)
		if err != nil {
			return nil, err
		}
		out[mod] = m
	}
	logger.Info("remote model finished", "elapsed", time.Since(start).String())
	return out, nil
}

func (r *SSHRunner) clientConfig(user, password string) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if r.cfg.KeyPath != "" {
		key, err := os.ReadFile(r.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("imputation: read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("imputation: parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if password != "" {
		auth = append(auth, ssh.Password(password))
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.cfg.Timeout,
	}, nil
}

// connect dials the model host, through the jump host when one is set.
func (r *SSHRunner) connect() (*ssh.Client, func(), error) {
	target := net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))
	targetCfg, err := r.clientConfig(r.cfg.User, r.cfg.Password)
	if err != nil {
		return nil, nil, err
	}

	if r.cfg.JumpHost == "" {
		client, err := ssh.Dial("tcp", target, targetCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("imputation: dial %s: %w", target, err)
		}
		return client, func() { client.Close() }, nil
	}

	jumpUser := r.cfg.JumpUser
	if jumpUser == "" {
		jumpUser = r.cfg.User
	}
	jumpCfg, err := r.clientConfig(jumpUser, r.cfg.JumpPassword)
	if err != nil {
		return nil, nil, err
	}
	jumpAddr := net.JoinHostPort(r.cfg.JumpHost, strconv.Itoa(r.cfg.JumpPort))
	jump, err := ssh.Dial("tcp", jumpAddr, jumpCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("imputation: dial jump host %s: %w", jumpAddr, err)
	}
	conn, err := jump.Dial("tcp", target)
	if err != nil {
		jump.Close()
		return nil, nil, fmt.Errorf("imputation: tunnel to %s: %w", target, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, target, targetCfg)
	if err != nil {
		conn.Close()
		jump.Close()
		return nil, nil, fmt.Errorf("imputation: handshake with %s: %w", target, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	return client, func() {
		client.Close()
		jump.Close()
	}, nil
}

// runSession runs cmd and closes the session if ctx ends first.
func runSession(ctx context.Context, client *ssh.Client, cmd string) error {
	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stderr = &stderr
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGTERM)
		session.Close()
		return ctx.Err()
	case err := <-done:
		if err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return fmt.Errorf("%w: %s", err, msg)
			}
			return err
		}
		return nil
	}
}

func uploadMatrix(fs *sftp.Client, remotePath string, m *matrix.Matrix) error {
	f, err := fs.Create(remotePath)
	if err != nil {
		return fmt.Errorf("imputation: remote create %s: %w", remotePath, err)
	}
	defer f.Close()
	if err := matrix.WriteTSV(f, m); err != nil {
		return fmt.Errorf("imputation: remote write %s: %w", remotePath, err)
	}
	return nil
}

func downloadMatrix(fs *sftp.Client, remotePath, name string) (*matrix.Matrix, error) {
	f, err := fs.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("imputation: %w: remote output %s: %v", ErrStrategyFailure, remotePath, err)
	}
	defer f.Close()
	m, err := matrix.Read(f, name, -1, 0)
	if err != nil {
		return nil, fmt.Errorf("imputation: remote output %s: %w", remotePath, err)
	}
	return m, nil
}
