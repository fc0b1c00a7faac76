package transfer

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"

	"go.uber.org/zap"

	"keyferry/internal/assuan"
	"keyferry/internal/gpgagent"
	"keyferry/internal/keys"
	"keyferry/internal/sshagent"
	"keyferry/internal/util/memzero"
)

// KeygripLength is the length of a gpg keygrip in hex digits.
const KeygripLength = 40

// keywrapKeyLength is the AES-128 key size of the agent's key-wrap key.
const keywrapKeyLength = 16

var (
	// ErrBadKeygrip is returned for a keygrip that is not exactly 40
	// hexadecimal digits. This is caller-side validation, before any IO.
	ErrBadKeygrip = errors.New("transfer: keygrip must be 40 hexadecimal digits")

	// ErrSequence is returned when the agent's exports arrive out of
	// order: a second key-wrap key while one is already established, or
	// wrapped key data before any key-wrap key.
	ErrSequence = errors.New("transfer: agent export out of sequence")

	// ErrKeywrapKeyLength is returned when the exported key-wrap key is
	// not a valid AES-128 key.
	ErrKeywrapKeyLength = errors.New("transfer: key-wrap key has wrong length")
)

// Request describes one key transfer.
type Request struct {
	// Keygrip identifies the key inside gpg-agent: 40 hex digits.
	Keygrip string
	// Comment is stored with the key in ssh-agent and shown in the
	// gpg-agent prompt. Empty means a default derived from the keygrip.
	Comment string
	// LifetimeSeconds limits how long ssh-agent keeps the key (0 = no
	// limit).
	LifetimeSeconds uint32
	// Confirm requires confirmation for each use of the key.
	Confirm bool
}

// ValidateKeygrip checks the fixed 40-hex-digit keygrip format.
func ValidateKeygrip(s string) error {
	if len(s) != KeygripLength {
		return ErrBadKeygrip
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return ErrBadKeygrip
		}
	}
	return nil
}

// Service runs key transfers against the two agents through injected
// process collaborators.
type Service struct {
	log     *zap.Logger
	locate  gpgagent.Locator
	launch  gpgagent.Launcher
	environ gpgagent.Environ
}

// New returns a transfer service. A nil logger disables logging.
func New(log *zap.Logger, locate gpgagent.Locator, launch gpgagent.Launcher, environ gpgagent.Environ) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{log: log, locate: locate, launch: launch, environ: environ}
}

// Transfer moves one key from gpg-agent to ssh-agent. Any stage failure
// after context forwarding aborts the transfer; all key material is zeroed
// on every return path.
func (s *Service) Transfer(req Request) error {
	if err := ValidateKeygrip(req.Keygrip); err != nil {
		return err
	}

	// Fail fast on the target side before touching gpg-agent.
	sshPath, err := sshagent.SocketPath(s.environ)
	if err != nil {
		return err
	}
	agent, err := sshagent.Dial(sshPath)
	if err != nil {
		return err
	}
	defer agent.Close()

	client, err := s.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	sess := &session{}
	defer sess.destroy()

	s.forwardContext(client)

	if err := client.Transact("keywrap_key --export", assuan.Callbacks{Data: sess.keywrapData}); err != nil {
		return fmt.Errorf("exporting key-wrap key: %w", err)
	}
	desc := "SETKEYDESC " + assuan.PercentPlusEscape(describePrompt(req.Keygrip, req.Comment))
	if err := client.Transact(desc, assuan.Callbacks{}); err != nil {
		return fmt.Errorf("setting key description: %w", err)
	}
	if err := client.Transact("EXPORT_KEY "+req.Keygrip, assuan.Callbacks{Data: sess.exportData}); err != nil {
		return fmt.Errorf("exporting key %s: %w", req.Keygrip, err)
	}

	model, err := keys.UnwrapAndExtract(sess.kek, sess.wrapped)
	if err != nil {
		return fmt.Errorf("unwrapping key: %w", err)
	}
	defer model.Destroy()

	comment := req.Comment
	if comment == "" {
		comment = "GnuPG keygrip " + req.Keygrip
	}
	constraints := sshagent.Constraints{LifetimeSeconds: req.LifetimeSeconds, Confirm: req.Confirm}
	if err := agent.Add(model, comment, constraints); err != nil {
		return err
	}
	s.log.Info("key transferred", zap.String("keygrip", req.Keygrip))
	return nil
}

// connect locates and dials gpg-agent, with exactly one launch-and-retry
// when the agent is not reachable. Any other dial failure is fatal.
func (s *Service) connect() (*assuan.Client, error) {
	path, err := s.locate()
	if err != nil {
		return nil, fmt.Errorf("locating gpg-agent: %w", err)
	}
	client, err := assuan.Dial(path, s.log)
	if err == nil {
		return client, nil
	}
	if !agentUnreachable(err) {
		return nil, fmt.Errorf("connecting to gpg-agent: %w", err)
	}
	s.log.Info("gpg-agent not reachable, trying to launch it", zap.String("socket", path))
	if err := s.launch(); err != nil {
		return nil, err
	}
	client, err = assuan.Dial(path, s.log)
	if err != nil {
		return nil, fmt.Errorf("connecting to gpg-agent after launch: %w", err)
	}
	return client, nil
}

func agentUnreachable(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, fs.ErrNotExist)
}

// contextOptions is the fixed environment forwarded to gpg-agent so
// pinentry can find the user's display and locale. Options with an empty
// name are passed through putenv. Unset variables are skipped.
var contextOptions = []struct {
	env    string
	option string
}{
	{"GPG_TTY", "ttyname"},
	{"TERM", "ttytype"},
	{"DISPLAY", "display"},
	{"XAUTHORITY", "xauthority"},
	{"GTK_IM_MODULE", ""},
	{"DBUS_SESSION_BUS_ADDRESS", ""},
	{"LANG", "lc-ctype"},
	{"LANG", "lc-messages"},
}

// forwardContext sends the OPTION commands best-effort: failures are
// logged and never abort the transfer.
func (s *Service) forwardContext(client *assuan.Client) {
	for _, opt := range contextOptions {
		val, ok := s.environ(opt.env)
		if !ok || val == "" {
			continue
		}
		var cmd string
		if opt.option != "" {
			cmd = fmt.Sprintf("OPTION %s=%s", opt.option, val)
		} else {
			cmd = fmt.Sprintf("OPTION putenv=%s=%s", opt.env, val)
		}
		if err := client.Transact(cmd, assuan.Callbacks{}); err != nil {
			name := opt.option
			if name == "" {
				name = opt.env
			}
			s.log.Warn("could not forward option", zap.String("option", name), zap.Error(err))
		}
	}
}

func describePrompt(keygrip, comment string) string {
	if comment != "" {
		return fmt.Sprintf("Sending key for '%s' from gpg-agent to ssh-agent...\n(keygrip: %s)", comment, keygrip)
	}
	return fmt.Sprintf("Sending key from gpg-agent to ssh-agent...\n(keygrip: %s)", keygrip)
}

// session accumulates the two exports of one transfer. The key-wrap key
// must be established before any wrapped bytes arrive.
type session struct {
	kek     []byte
	wrapped []byte
}

// keywrapData consumes the single data chunk of "keywrap_key --export".
func (s *session) keywrapData(chunk []byte, total int) error {
	if s.kek != nil {
		return ErrSequence
	}
	if len(chunk) != keywrapKeyLength {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrKeywrapKeyLength, keywrapKeyLength, len(chunk))
	}
	s.kek = append([]byte(nil), chunk...)
	return nil
}

// exportData accumulates the wrapped key blob in chunk-arrival order.
func (s *session) exportData(chunk []byte, total int) error {
	if s.kek == nil {
		return ErrSequence
	}
	s.wrapped = append(s.wrapped, chunk...)
	return nil
}

func (s *session) destroy() {
	memzero.ZeroAll(s.kek, s.wrapped)
	s.kek = nil
	s.wrapped = nil
}
