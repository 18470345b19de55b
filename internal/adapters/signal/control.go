package signal

import "github.com/dkeye/meetroom/internal/domain"

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.sendJSON(conn, domain.Envelope{Type: domain.EnvPong})
}

func (ctl *SignalWSController) sendError(conn *WsSignalConn, msg string) {
	ctl.sendJSON(conn, domain.Envelope{Type: domain.EnvError, Error: msg})
}
