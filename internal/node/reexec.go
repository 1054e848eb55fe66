package node

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"

	"github.com/postalsys/oxy/internal/logging"
	"github.com/postalsys/oxy/internal/mode"
	"github.com/postalsys/oxy/internal/recovery"
	"github.com/postalsys/oxy/internal/transport"
)

// childFD is the descriptor of the connection in a re-executed child. The
// first entry of ExtraFiles becomes descriptor 3.
const childFD = 3

func stdin() io.ReadCloser   { return os.Stdin }
func stdout() io.WriteCloser { return os.Stdout }

// Reexec returns a SpawnFunc that serves each connection in a fresh copy of
// the running binary, started as "reexec --fd 3" followed by args. psk is
// passed through the environment.
func Reexec(args []string, psk string, logger *slog.Logger) (SpawnFunc, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logging.Component(logger, "reexec")

	argv := append([]string{string(mode.Reexec), "--fd", fmt.Sprint(childFD)}, args...)
	env := append(os.Environ(), EnvStaticKey+"="+psk)

	return func(ctx context.Context, conn net.Conn) error {
		f, err := transport.ConnFile(conn)
		if err != nil {
			return err
		}
		defer f.Close()

		cmd := exec.Command(exe, argv...)
		cmd.ExtraFiles = []*os.File{f}
		cmd.Env = env
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start child: %w", err)
		}

		pid := cmd.Process.Pid
		logger.Info("child started",
			logging.KeyPid, pid,
			logging.KeyRemoteAddr, conn.RemoteAddr().String())
		go func() {
			defer recovery.RecoverWithLog(logger, "reexec.wait")
			err := cmd.Wait()
			logger.Info("child exited",
				logging.KeyPid, pid,
				logging.KeyExitCode, cmd.ProcessState.ExitCode(),
				logging.KeyError, err)
		}()
		return nil
	}, nil
}
