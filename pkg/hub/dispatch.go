package hub

import (
	"fmt"
	"strconv"

	"github.com/seawolf-auv/swhub/internal/logger"
	"github.com/seawolf-auv/swhub/internal/protocol/comm"
	"github.com/seawolf-auv/swhub/pkg/vars"
)

// dispatch routes one received frame. COMM frames are honored in any state;
// everything else requires CONNECTED. Protocol violations kick the session.
func (s *Server) dispatch(c *Client, m *comm.Message) {
	if m.Namespace() == comm.NamespaceComm {
		s.dispatchComm(c, m)
		return
	}

	if c.State() != StateConnected {
		c.Kick(reasonIllegalMessage)
		return
	}

	switch m.Namespace() {
	case comm.NamespaceNotify:
		s.dispatchNotify(c, m)
	case comm.NamespaceVar:
		s.dispatchVar(c, m)
	case comm.NamespaceWatch:
		s.dispatchWatch(c, m)
	case comm.NamespaceLog:
		s.dispatchLog(c, m)
	default:
		c.Kick(reasonIllegalMessage)
	}
}

func (s *Server) dispatchComm(c *Client, m *comm.Message) {
	switch {
	case m.Verb() == comm.VerbAuth && m.Count() == 3:
		s.authenticate(c, m)
	case m.Verb() == comm.VerbShutdown && m.Count() == 2:
		c.close(m.RequestID)
	default:
		c.Kick(reasonIllegalMessage)
	}
}

// authenticate checks the shared password. A hub configured without one
// refuses every attempt without responding, so a misconfigured deployment
// is loud in the log rather than silently open.
func (s *Server) authenticate(c *Client, m *comm.Message) {
	if s.cfg.Password == "" {
		logger.Error("No password set! Refusing to authenticate clients!")
		return
	}

	if m.Components[2] != s.cfg.Password {
		_ = c.Send(comm.NewRequest(m.RequestID, comm.NamespaceComm, comm.VerbFailure))
		c.Kick(reasonAuthFailure)
		return
	}

	if !c.setConnected() {
		return
	}
	logger.Debug("Client authenticated", "address", c.conn.RemoteAddr())
	_ = c.Send(comm.NewRequest(m.RequestID, comm.NamespaceComm, comm.VerbSuccess))
}

func (s *Server) dispatchNotify(c *Client, m *comm.Message) {
	switch {
	case m.Verb() == comm.VerbOut && m.Count() == 3:
		s.metrics.NotificationReceived()
		s.broadcast(m.Components[2])
	case m.Verb() == comm.VerbAddFilter && m.Count() == 4:
		raw, err := strconv.Atoi(m.Components[2])
		if err != nil {
			c.Kick(reasonIllegalMessage)
			return
		}
		kind, err := ParseFilterKind(raw)
		if err != nil {
			c.Kick(reasonIllegalMessage)
			return
		}
		c.AddFilter(kind, m.Components[3])
	case m.Verb() == comm.VerbClearFilters && m.Count() == 2:
		c.ClearFilters()
	default:
		c.Kick(reasonIllegalMessage)
	}
}

func (s *Server) dispatchVar(c *Client, m *comm.Message) {
	switch {
	case m.Verb() == comm.VerbGet && m.Count() == 3:
		name := m.Components[2]
		value, readonly, err := s.store.Get(name)
		if err != nil {
			c.Kick(fmt.Sprintf("Invalid variable access (%s)", name))
			return
		}
		access := "RW"
		if readonly {
			access = "RO"
		}
		_ = c.Send(comm.NewRequest(m.RequestID,
			comm.NamespaceVar, comm.VerbValue, access, vars.FormatValue(value)))
	case m.Verb() == comm.VerbSet && m.Count() == 4:
		name := m.Components[2]
		value, err := strconv.ParseFloat(m.Components[3], 64)
		if err != nil {
			c.Kick(reasonIllegalMessage)
			return
		}
		if err := s.store.Set(name, value); err != nil {
			c.Kick(fmt.Sprintf("Invalid variable access (%s)", name))
			return
		}
		s.metrics.VariableSet()
	default:
		c.Kick(reasonIllegalMessage)
	}
}

func (s *Server) dispatchWatch(c *Client, m *comm.Message) {
	if m.Count() != 3 {
		c.Kick(reasonIllegalMessage)
		return
	}
	name := m.Components[2]

	switch m.Verb() {
	case comm.VerbAdd:
		v, err := s.store.Subscribe(name, c)
		if err != nil {
			c.Kick(fmt.Sprintf("Subscribing to invalid variable (%s)", name))
			return
		}
		c.addSubscription(v)
	case comm.VerbDel:
		v, err := s.store.Unsubscribe(name, c)
		if err != nil {
			c.Kick(fmt.Sprintf("Unsubscribing to invalid variable (%s)", name))
			return
		}
		c.removeSubscription(v)
	default:
		c.Kick(reasonIllegalMessage)
	}
}

// dispatchLog records a client log line. Component[1] carries the client's
// application name in the verb slot.
func (s *Server) dispatchLog(c *Client, m *comm.Message) {
	if m.Count() != 4 {
		c.Kick(reasonIllegalMessage)
		return
	}
	severity, err := strconv.Atoi(m.Components[2])
	if err != nil {
		c.Kick(reasonIllegalMessage)
		return
	}
	logger.App(m.Components[1], logger.FromWire(severity), m.Components[3])
}
