package upload

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/lgulliver/bitsd/internal/protocol"
	"github.com/lgulliver/bitsd/pkg/types"
)

// Service is the upload state machine: it dispatches parsed protocol
// commands against the session registry and converts every outcome, success
// or failure, into a response. Nothing escapes this boundary; a bad request
// can never take the process down.
type Service struct {
	registry   *Registry
	targetRoot string
}

// NewService creates the dispatcher over a registry, resolving upload
// targets under targetRoot.
func NewService(registry *Registry, targetRoot string) *Service {
	return &Service{
		registry:   registry,
		targetRoot: targetRoot,
	}
}

// Handle executes one command and returns the outcome to serialize.
func (s *Service) Handle(cmd protocol.Command) protocol.Outcome {
	switch cmd.Kind {
	case protocol.KindCreateSession:
		return s.handleCreate(cmd)
	case protocol.KindFragment:
		return s.handleFragment(cmd)
	case protocol.KindCloseSession:
		return s.handleClose(cmd)
	case protocol.KindCancelSession:
		return s.handleCancel(cmd)
	case protocol.KindPing:
		return protocol.PingAck()
	default:
		log.Warn().Str("reason", cmd.Reason).Msg("malformed request")
		return protocol.Failure(http.StatusBadRequest, protocol.HResultInvalidArg)
	}
}

func (s *Service) handleCreate(cmd protocol.Command) protocol.Outcome {
	if !offersKnownProtocol(cmd.SupportedProtocols) {
		log.Warn().Strs("offered", cmd.SupportedProtocols).
			Msg("client offered no supported protocol version")
		return protocol.Failure(http.StatusBadRequest, protocol.HResultInvalidArg)
	}

	target, err := s.resolveTarget(cmd.TargetPath)
	if err != nil {
		log.Warn().Err(err).Str("path", cmd.TargetPath).Msg("upload target rejected")
		return protocol.Failure(http.StatusForbidden, protocol.HResultAccessDenied)
	}

	session, err := s.registry.Create(target)
	if err != nil {
		log.Error().Err(err).Str("target", target).Msg("failed to create upload session")
		return protocol.Failure(http.StatusInternalServerError, protocol.HResultGeneric)
	}
	return protocol.CreatedAck(session.ID)
}

func (s *Service) handleFragment(cmd protocol.Command) protocol.Outcome {
	session, ok := s.registry.Lookup(cmd.SessionID)
	if !ok {
		return protocol.NotFoundAck(cmd.SessionID)
	}

	receivedUpTo, err := session.WriteFragment(cmd.Range, cmd.Total, cmd.Payload)
	switch {
	case err == nil:
		log.Debug().Str("session_id", session.ID).Stringer("range", cmd.Range).
			Int64("received_up_to", receivedUpTo).Msg("fragment accepted")
		return protocol.FragmentAck(session.ID, receivedUpTo)
	case errors.Is(err, types.ErrMalformed):
		return protocol.Failure(http.StatusBadRequest, protocol.HResultInvalidArg)
	case errors.Is(err, types.ErrTooLarge):
		return protocol.Failure(http.StatusRequestEntityTooLarge, protocol.HResultTooLarge)
	case errors.Is(err, types.ErrSizeConflict):
		s.registry.Remove(session.ID)
		return protocol.Failure(http.StatusBadRequest, protocol.HResultInvalidArg)
	case errors.Is(err, types.ErrNotOpen):
		// Terminal sessions leave the registry immediately, so this is a
		// race with a concurrent close or cancel; to the client the session
		// is simply gone.
		return protocol.NotFoundAck(cmd.SessionID)
	default:
		s.registry.Remove(session.ID)
		return protocol.Failure(http.StatusInternalServerError, protocol.HResultGeneric)
	}
}

func (s *Service) handleClose(cmd protocol.Command) protocol.Outcome {
	session, ok := s.registry.Lookup(cmd.SessionID)
	if !ok {
		return protocol.NotFoundAck(cmd.SessionID)
	}

	err := session.Commit()
	switch {
	case err == nil:
		s.registry.Remove(session.ID)
		log.Info().Str("session_id", session.ID).Str("target", session.TargetPath).
			Msg("upload session committed")
		return protocol.SessionAck(session.ID)
	case errors.Is(err, types.ErrIncomplete):
		// Distinct from 404 so the client knows to keep sending fragments
		// rather than restart the whole upload.
		log.Warn().Err(err).Str("session_id", session.ID).Msg("close before full coverage")
		return protocol.Failure(http.StatusRequestedRangeNotSatisfiable, protocol.HResultZero)
	case errors.Is(err, types.ErrNotOpen):
		return protocol.NotFoundAck(cmd.SessionID)
	default:
		s.registry.Remove(session.ID)
		return protocol.Failure(http.StatusInternalServerError, protocol.HResultGeneric)
	}
}

func (s *Service) handleCancel(cmd protocol.Command) protocol.Outcome {
	session, ok := s.registry.Lookup(cmd.SessionID)
	if !ok {
		// Already gone satisfies the client's intent.
		return protocol.SessionAck(cmd.SessionID)
	}

	if err := session.Cancel(); err == nil {
		log.Info().Str("session_id", session.ID).Msg("upload session cancelled")
	}
	s.registry.Remove(session.ID)
	return protocol.SessionAck(session.ID)
}

func offersKnownProtocol(offered []string) bool {
	for _, guid := range offered {
		if strings.EqualFold(guid, protocol.ProtocolGUID) {
			return true
		}
	}
	return false
}

// resolveTarget maps the request URL path onto a filesystem path under the
// target root. Directory targets and paths whose parent directory does not
// exist are refused; the server does not create directory trees for clients.
// Targets at or under the spool directory are refused unconditionally, so a
// client can never name another session's backing file.
func (s *Service) resolveTarget(urlPath string) (string, error) {
	rel := strings.TrimPrefix(path.Clean("/"+urlPath), "/")
	if rel == "" || rel == "." {
		return "", fmt.Errorf("%w: no target file named", types.ErrAccessDenied)
	}
	target := filepath.Join(s.targetRoot, filepath.FromSlash(rel))

	spoolDir := s.registry.spool.Dir()
	if target == spoolDir || strings.HasPrefix(target, spoolDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: target %s is inside the spool directory", types.ErrAccessDenied, target)
	}

	if info, err := os.Stat(target); err == nil && info.IsDir() {
		return "", fmt.Errorf("%w: target %s is a directory", types.ErrAccessDenied, target)
	}
	parent, err := os.Stat(filepath.Dir(target))
	if err != nil || !parent.IsDir() {
		return "", fmt.Errorf("%w: parent directory of %s does not exist", types.ErrAccessDenied, target)
	}

	return target, nil
}
