package raftpb

import "go.uber.org/zap/zapcore"

// MarshalLogObject lets a *Peer be passed directly to zap.Object/zap.Reflect.
func (p *Peer) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddString("id", p.Id)
	e.AddString("endpoint", p.Endpoint)
	return nil
}

// MarshalLogObject reports the shape of a Configuration without dumping
// every peer endpoint at info level.
func (c *Configuration) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if c == nil {
		return nil
	}
	e.AddInt("current_size", len(c.Current.Peers))
	e.AddBool("joint", c.Joint())
	if c.Joint() {
		e.AddInt("next_size", len(c.Next.Peers))
	}
	return nil
}
