package ice

import (
	"github.com/lanikai/alohartc/internal/logging"
)

const defaultStunServer = "stun2.l.google.com:19302"

var log = logging.DefaultLogger.WithTag("ice")
