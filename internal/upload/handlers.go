package upload

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/lgulliver/bitsd/internal/protocol"
)

// bodySlack is how far past the fragment limit the handler will read before
// giving up on a request body. Anything in between still reaches the session
// layer and gets a proper too-large response instead of a truncation error.
const bodySlack = 64 * 1024

// RegisterRoutes mounts the BITS upload endpoint. BITS clients use the
// custom BITS_POST verb against the URL path of the file being uploaded;
// gin's route tree only admits standard methods, so the verb is picked up
// from the no-route fallback and the packet-type header selects the command.
func RegisterRoutes(router *gin.Engine, service *Service, fragmentLimit int64) {
	h := &handler{service: service, fragmentLimit: fragmentLimit}
	router.NoRoute(h.handle)
}

type handler struct {
	service       *Service
	fragmentLimit int64
}

func (h *handler) handle(c *gin.Context) {
	if c.Request.Method != protocol.MethodBITSPost {
		c.Status(http.StatusNotFound)
		return
	}

	// A non-positive fragment limit means unlimited, same as in the session
	// layer, so no body cap applies either.
	maxBody := int64(-1)
	if h.fragmentLimit > 0 {
		maxBody = h.fragmentLimit + bodySlack
	}

	if maxBody >= 0 && c.Request.ContentLength > maxBody {
		writeOutcome(c, protocol.Failure(http.StatusRequestEntityTooLarge, protocol.HResultTooLarge))
		return
	}
	var reader io.Reader = c.Request.Body
	if maxBody >= 0 {
		reader = io.LimitReader(c.Request.Body, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		log.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("failed to read request body")
		writeOutcome(c, protocol.Failure(http.StatusBadRequest, protocol.HResultGeneric))
		return
	}
	if maxBody >= 0 && int64(len(body)) > maxBody {
		// Chunked request with no declared length that kept going.
		writeOutcome(c, protocol.Failure(http.StatusRequestEntityTooLarge, protocol.HResultTooLarge))
		return
	}

	cmd := protocol.Parse(c.Request.URL.Path, c.Request.Header, body)
	writeOutcome(c, h.service.Handle(cmd))
}

func writeOutcome(c *gin.Context, outcome protocol.Outcome) {
	status, headers := protocol.Serialize(outcome)
	for key, values := range headers {
		for _, value := range values {
			c.Header(key, value)
		}
	}
	c.Status(status)
}
