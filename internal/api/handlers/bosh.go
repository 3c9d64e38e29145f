package handlers

import (
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	apimiddleware "investigation-lab/internal/api/middleware"
	"investigation-lab/internal/config"
	"investigation-lab/pkg/logger"
)

const (
	defaultBOSHUser = "investigator"
	// resource suffixes are drawn from [0, boshSuffixRange)
	boshSuffixRange = 666
	boshRIDRange    = 10_000_000
)

// BOSHHandler issues room session descriptors to investigation clients
type BOSHHandler struct {
	cfg    config.BOSHConfig
	logger *logger.Logger
}

// NewBOSHHandler creates a new BOSH session handler
func NewBOSHHandler(cfg config.BOSHConfig, log *logger.Logger) *BOSHHandler {
	return &BOSHHandler{
		cfg:    cfg,
		logger: log.WithComponent("bosh-handler"),
	}
}

// BOSHSession is the issued descriptor. rid is numeric on the wire.
type BOSHSession struct {
	Service string   `json:"service"`
	Rooms   []string `json:"rooms"`
	JID     string   `json:"jid"`
	SID     string   `json:"sid"`
	RID     int      `json:"rid"`
}

// Session handles GET /auth/bosh-session
func (h *BOSHHandler) Session(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.Enabled {
		respondJSON(h.logger, w, http.StatusServiceUnavailable, struct{}{})
		return
	}

	user := apimiddleware.GetUser(r.Context())
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	if user == "" {
		user = defaultBOSHUser
	}

	rooms := h.cfg.Rooms
	if rooms == nil {
		rooms = []string{}
	}
	session := BOSHSession{
		Service: h.cfg.Service,
		Rooms:   rooms,
		JID:     h.cfg.JID + "/" + user + "-" + strconv.Itoa(rand.IntN(boshSuffixRange)),
		SID:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		RID:     rand.IntN(boshRIDRange),
	}

	h.logger.Info().Str("jid", session.JID).Msg("issued room session")
	respondJSON(h.logger, w, http.StatusOK, session)
}
