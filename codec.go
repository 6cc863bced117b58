package hda

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

type unsolicitedResponse struct {
	codec    uint8
	response uint32
}

// Transact sends one verb to a codec node and returns the codec's 32-bit answer.
//
// The command path is serialized: a caller holds the device for the whole CORB write
// and RIRB read. A codec that does not take the command or does not answer within
// Config.CommandTimeout yields a *TransactError wrapping ErrCodecTimeout. Verbs are
// never retried.
func (d *Device) Transact(codec, node uint8, payload uint32) (uint32, error) {
	d.cmdMu.Lock()
	defer d.unlockCmd()

	if d.isClosed() {
		return 0, ErrClosed
	}

	return d.transact(codec, node, payload)
}

// unlockCmd releases cmdMu, then hands the unsolicited responses queued meanwhile
// to Config.OnUnsolicited.
func (d *Device) unlockCmd() {
	queued := d.unsol
	d.unsol = nil
	d.cmdMu.Unlock()

	if d.config.OnUnsolicited == nil {
		return
	}

	for _, u := range queued {
		d.config.OnUnsolicited(u.codec, u.response)
	}
}

// transact is Transact for callers already holding cmdMu.
func (d *Device) transact(codec, node uint8, payload uint32) (uint32, error) {
	if codec >= MaxCodecs {
		return 0, fmt.Errorf("codec %d: %w", codec, ErrInvalidAddress)
	}

	w := d.waiter(d.config.CommandTimeout)
	verb := EncodeVerb(codec, node, payload)

	d.settle(codec)

	if !d.corb.push(w, verb) {
		d.metrics.timeouts.Inc(1)

		return 0, &TransactError{Codec: codec, Node: node, Payload: payload, Stage: "corb", Err: ErrCodecTimeout}
	}
	d.metrics.verbs.Inc(1)

	for {
		response, extended, ok := d.rirb.pop(w)
		if !ok {
			// The answer may still arrive. Count it so it is not paired with a later verb.
			d.orphans[codec]++
			d.metrics.timeouts.Inc(1)

			return 0, &TransactError{Codec: codec, Node: node, Payload: payload, Stage: "rirb", Err: ErrCodecTimeout}
		}

		from, solicited := d.classify(response, extended)
		if !solicited {
			continue
		}

		if from != codec {
			d.log.WithField("codec", from).Debug("Dropped response from unexpected codec")

			continue
		}

		if d.orphans[from] > 0 {
			d.orphans[from]--
			d.log.WithFields(logrus.Fields{
				"codec":    from,
				"response": fmt.Sprintf("%#08x", response),
			}).Debug("Dropped late response")

			continue
		}

		if d.log.IsLevelEnabled(logrus.TraceLevel) {
			d.log.WithFields(logrus.Fields{
				"codec":    codec,
				"node":     fmt.Sprintf("%#02x", node),
				"verb":     fmt.Sprintf("%#05x", payload),
				"response": fmt.Sprintf("%#08x", response),
			}).Trace("Verb")
		}

		return response, nil
	}
}

// settle discards the responses owed to earlier, timed out transactions before a new
// verb is sent. With one transaction in flight, every solicited entry already in the
// RIRB is stale. Responses codec still owes are waited for once; when the CORB has
// been fully fetched and they have not arrived, they are taken as lost.
func (d *Device) settle(codec uint8) {
	for d.rirb.pending() {
		response, extended, _ := d.rirb.pop(waiter{})
		d.dropStale(response, extended)
	}

	if d.orphans[codec] == 0 {
		return
	}

	w := d.waiter(d.config.CommandTimeout)
	for d.orphans[codec] > 0 {
		response, extended, ok := d.rirb.pop(w)
		if !ok {
			break
		}
		d.dropStale(response, extended)
	}

	if d.orphans[codec] > 0 && d.corb.readPointer() == d.corb.wp {
		d.log.WithFields(logrus.Fields{"codec": codec, "count": d.orphans[codec]}).Debug("Giving up on late responses")
		d.orphans[codec] = 0
	}
}

// dropStale discards a solicited entry read before its verb's successor was sent.
func (d *Device) dropStale(response, extended uint32) {
	from, solicited := d.classify(response, extended)
	if !solicited {
		return
	}

	if d.orphans[from] > 0 {
		d.orphans[from]--
	}

	d.log.WithFields(logrus.Fields{
		"codec":    from,
		"response": fmt.Sprintf("%#08x", response),
	}).Debug("Dropped late response")
}

// classify queues unsolicited entries and returns the codec address of a solicited one.
func (d *Device) classify(response, extended uint32) (uint8, bool) {
	from := uint8(extended & RIRB_EX_CODEC_MASK)

	if extended&RIRB_EX_UNSOL != 0 {
		d.unsolicited(from, response)

		return from, false
	}

	return from, from < MaxCodecs
}

// unsolicited queues an unsolicited response; unlockCmd delivers it.
func (d *Device) unsolicited(codec uint8, response uint32) {
	d.metrics.unsolicited.Inc(1)
	d.log.WithFields(logrus.Fields{"codec": codec, "response": fmt.Sprintf("%#08x", response)}).Debug("Unsolicited response")

	d.unsol = append(d.unsol, unsolicitedResponse{codec: codec, response: response})
}

// getParam reads a codec parameter.
func (d *Device) getParam(codec, node uint8, param Param) (uint32, error) {
	return d.transact(codec, node, uint32(VERB_GET_PARAMETER)|uint32(param))
}

// setVerb issues a set verb with its operand and discards the answer.
func (d *Device) setVerb(codec, node uint8, verb Verb, data uint32) error {
	_, err := d.transact(codec, node, uint32(verb)|data)

	return err
}
