package onkyo

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// pendingCommand is an encoded message waiting for its turn on the wire.
type pendingCommand struct {
	raw  []byte
	desc string
	done *Completion
}

// send queues raw for transmission. desc is only used in logs and errors.
func (c *Client) send(raw []byte, desc string) *Completion {
	cmd := &pendingCommand{raw: raw, desc: desc, done: newCompletion()}
	if !c.post(request{cmd: cmd}) {
		err := c.closeErr
		if err == nil {
			err = ErrNotOpen
		}
		cmd.done.resolve(err)
	}
	return cmd.done
}

// enqueue adds cmd to the queue and writes it straight away when the
// connection is open and no earlier write is waiting for a read cycle.
func (c *Client) enqueue(cmd *pendingCommand) {
	c.queue = append(c.queue, cmd)
	c.log.Debug("queue: queued", zap.String("command", cmd.desc), zap.Int("depth", len(c.queue)))
	if c.State() == StateOpen && !c.awaiting {
		c.writeNext()
	}
}

// triggerNextWrite gives the queue one write opportunity. It runs after the
// connection opens and after every inbound frame.
func (c *Client) triggerNextWrite() {
	c.awaiting = false
	c.disarmAck()
	c.writeNext()
}

func (c *Client) writeNext() {
	if c.conn == nil || len(c.queue) == 0 {
		return
	}
	cmd := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]

	if c.writeTimeout > 0 {
		c.conn.setWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.conn.Write(cmd.raw); err != nil {
		if r := c.requestedReason(); r != nil {
			err = r
		} else {
			err = fmt.Errorf("onkyo: write %q: %w", cmd.desc, err)
			c.log.Error("queue: write failed", zap.String("command", cmd.desc), zap.Error(err))
		}
		cmd.done.resolve(err)
		c.cleanup(err)
		return
	}
	c.awaiting = true
	if c.ackTimeout > 0 {
		c.ack = time.NewTimer(c.ackTimeout)
	}
	c.log.Debug("queue: sent", zap.String("command", cmd.desc), zap.Int("remaining", len(c.queue)))
	cmd.done.resolve(nil)
}

func (c *Client) disarmAck() {
	if c.ack != nil {
		c.ack.Stop()
		c.ack = nil
	}
}
