// Package transform implements the Transform Pipeline (C4): a content-type
// selected chain of external decoders (openssl, tar, gunzip) fed from the
// request body's stdin, modeled as a composable chain of subprocess stages
// per SPEC_FULL.md §9 Design Notes.
package transform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/hazyhaar/tsdgate/apierr"
)

// ContentType enumerates the recognized custom Content-Type values.
const (
	AES              = "application/aes"
	AESOctetStream   = "application/aes-octet-stream"
	Tar              = "application/tar"
	TarGz            = "application/tar.gz"
	TarAES           = "application/tar.aes"
	TarGzAES         = "application/tar.gz.aes"
	Gz               = "application/gz"
	GzAES            = "application/gz.aes"
)

// IsCustom reports whether contentType selects a transform pipeline at all.
func IsCustom(contentType string) bool {
	switch contentType {
	case AES, AESOctetStream, Tar, TarGz, TarAES, TarGzAES, Gz, GzAES:
		return true
	}
	return false
}

// RequiresAesKey reports whether contentType needs KeyMaterial.
func RequiresAesKey(contentType string) bool {
	switch contentType {
	case AES, AESOctetStream, TarAES, TarGzAES, GzAES:
		return true
	}
	return false
}

// Chain is a running subprocess pipeline: write to Stdin(), then Wait() once
// the body is exhausted. Any non-zero exit surfaces as apierr.UpstreamFailed.
type Chain struct {
	cmds    []*exec.Cmd
	stdin   io.WriteCloser
	outFile *os.File // set when the tail stage's stdout must land in a file (gunzip)
	stderrs []*bytes.Buffer
}

// Stdin is the byte sink the ingestion handler feeds each data_received
// chunk into.
func (c *Chain) Stdin() io.WriteCloser { return c.stdin }

// Wait flushes stdin, waits for every stage, and reports the first failure.
func (c *Chain) Wait() error {
	c.stdin.Close()
	var firstErr error
	for i, cmd := range c.cmds {
		if err := cmd.Wait(); err != nil && firstErr == nil {
			firstErr = apierr.Wrap(apierr.KindUpstreamFailed, 400,
				fmt.Sprintf("%s exited with error: %s", cmd.Path, c.stderrs[i].String()), err)
		}
	}
	if c.outFile != nil {
		c.outFile.Close()
	}
	if firstErr != nil {
		return firstErr
	}
	return nil
}

// Build constructs the subprocess chain for contentType, writing final
// output to targetPath (direct-write pipelines) or extracting into tenantDir
// (tar pipelines). km is nil for pipelines that don't need AES.
func Build(ctx context.Context, contentType string, km *KeyMaterial, targetPath, tenantDir string) (*Chain, error) {
	c := &Chain{}

	switch contentType {
	case AES:
		return c.single(ctx, openSSLCmd(ctx, km, true, targetPath))
	case AESOctetStream:
		return c.single(ctx, openSSLCmd(ctx, km, false, targetPath))
	case Tar:
		return c.single(ctx, tarCmd(ctx, tenantDir, false))
	case TarGz:
		return c.single(ctx, tarCmd(ctx, tenantDir, true))
	case Gz:
		return c.singleToFile(ctx, gunzipCmd(ctx), targetPath)
	case TarAES:
		return c.pair(ctx, openSSLPipeCmd(ctx, km, false), tarCmd(ctx, tenantDir, false))
	case TarGzAES:
		return c.pair(ctx, openSSLPipeCmd(ctx, km, false), tarCmd(ctx, tenantDir, true))
	case GzAES:
		return c.pairToFile(ctx, openSSLPipeCmd(ctx, km, false), gunzipCmd(ctx), targetPath)
	default:
		return nil, apierr.BackendUnavailable("unrecognized transform content type: " + contentType)
	}
}

func (c *Chain) single(ctx context.Context, cmd *exec.Cmd) (*Chain, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamFailed, 400, "could not open stdin", err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamFailed, 400, "could not start "+cmd.Path, err)
	}
	c.cmds = []*exec.Cmd{cmd}
	c.stderrs = []*bytes.Buffer{stderr}
	c.stdin = stdin
	return c, nil
}

func (c *Chain) singleToFile(ctx context.Context, cmd *exec.Cmd, targetPath string) (*Chain, error) {
	out, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not open target file", err)
	}
	cmd.Stdout = out
	ch, err := c.single(ctx, cmd)
	if err != nil {
		out.Close()
		return nil, err
	}
	ch.outFile = out
	return ch, nil
}

func (c *Chain) pair(ctx context.Context, head, tail *exec.Cmd) (*Chain, error) {
	headStdin, err := head.StdinPipe()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamFailed, 400, "could not open stdin", err)
	}
	pipe, err := head.StdoutPipe()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamFailed, 400, "could not pipe stages", err)
	}
	tail.Stdin = pipe

	headStderr, tailStderr := &bytes.Buffer{}, &bytes.Buffer{}
	head.Stderr, tail.Stderr = headStderr, tailStderr

	if err := tail.Start(); err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamFailed, 400, "could not start "+tail.Path, err)
	}
	if err := head.Start(); err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamFailed, 400, "could not start "+head.Path, err)
	}
	c.cmds = []*exec.Cmd{head, tail}
	c.stderrs = []*bytes.Buffer{headStderr, tailStderr}
	c.stdin = headStdin
	return c, nil
}

func (c *Chain) pairToFile(ctx context.Context, head, tail *exec.Cmd, targetPath string) (*Chain, error) {
	out, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not open target file", err)
	}
	tail.Stdout = out
	ch, err := c.pair(ctx, head, tail)
	if err != nil {
		out.Close()
		return nil, err
	}
	ch.outFile = out
	return ch, nil
}

func openSSLArgs(km *KeyMaterial, base64Mode bool) []string {
	args := []string{"enc", "-aes-256-cbc", "-d"}
	if base64Mode {
		args = append(args, "-a")
	}
	if km.HexKey != "" {
		args = append(args, "-K", km.HexKey, "-iv", km.HexIV)
	} else {
		args = append(args, "-pass", "pass:"+km.Passphrase)
	}
	return args
}

func openSSLCmd(ctx context.Context, km *KeyMaterial, base64Mode bool, outPath string) *exec.Cmd {
	args := append(openSSLArgs(km, base64Mode), "-out", outPath)
	return exec.CommandContext(ctx, "openssl", args...)
}

// openSSLPipeCmd omits -out so its stdout can feed the next stage.
func openSSLPipeCmd(ctx context.Context, km *KeyMaterial, base64Mode bool) *exec.Cmd {
	return exec.CommandContext(ctx, "openssl", openSSLArgs(km, base64Mode)...)
}

func tarCmd(ctx context.Context, dir string, gzip bool) *exec.Cmd {
	flag := "-xf"
	if gzip {
		flag = "-xzf"
	}
	return exec.CommandContext(ctx, "tar", "-C", dir, flag, "-")
}

func gunzipCmd(ctx context.Context) *exec.Cmd {
	return exec.CommandContext(ctx, "gunzip", "-c", "-")
}
