// Copyright 2025 EURECOM
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Contributors:
//   Giulio CAROTA
//   Thomas DU
//   Adlen KSENTINI

package simulator

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/conn"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/logger"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/models"
	"gitlab.eurecom.fr/open-exposure/bscsim/bsc-simulator/internal/radio"
)

// radioLink turns channel operations into commands for the MS task.
type radioLink struct {
	b *Bsc
}

func (l *radioLink) command(kind models.RadioCommandKind, ch *radio.Channel) *models.BscToMsMsg {
	return &models.BscToMsMsg{
		Kind:     kind,
		ConnId:   ch.Conn(),
		BtsNr:    ch.Bts().Nr,
		Chan:     uint32(ch.Handle()),
		ChanType: ch.Type,
		Mode:     ch.Mode,
	}
}

func (l *radioLink) deliver(cmd *models.BscToMsMsg) error {
	return errors.Wrapf(l.b.send(models.BscTask, models.MsTask, models.BscToMsType, cmd), "radio command %d", cmd.Kind)
}

func (l *radioLink) ActivateChannel(ch *radio.Channel, _ radio.ActivPurpose) error {
	return l.deliver(l.command(models.RadioChanActivate, ch))
}

func (l *radioLink) ReleaseChannel(ch *radio.Channel) {
	if err := l.deliver(l.command(models.RadioChanRelease, ch)); err != nil {
		logger.RadioLog.Errorf("%s: %v", ch, err)
	}
}

func (l *radioLink) ModeModify(ch *radio.Channel, mode models.ChanMode) error {
	cmd := l.command(models.RadioModeModify, ch)
	cmd.Mode = mode
	return l.deliver(cmd)
}

func (l *radioLink) SendDtap(ch *radio.Channel, payload []byte) error {
	cmd := l.command(models.RadioMtDtap, ch)
	cmd.Payload = payload
	return l.deliver(cmd)
}

func (l *radioLink) ReleasePdch(ch *radio.Channel) error {
	return l.deliver(l.command(models.RadioPdchRelease, ch))
}

type mgwOwner struct {
	conn models.ConnID
	leg  models.MgwLeg
}

// mgwClient speaks MGCP to the MGW task. Handles are allocated here so the
// connection can refer to a connection before the MGW answered.
type mgwClient struct {
	b      *Bsc
	owners map[models.MgwHandle]mgwOwner
}

func (m *mgwClient) request(verb models.MgcpVerb, h models.MgwHandle, o mgwOwner, peer models.MgwPeer) error {
	msg := &models.BscToMgwMsg{Verb: verb, ConnId: o.conn, Leg: o.leg, Handle: h, Peer: peer}
	logger.MgwLog.WithField("conn", o.conn).Debugf("%s %s leg %s", verb, h, o.leg)
	return errors.Wrapf(m.b.send(models.BscTask, models.MgwTask, models.BscToMgwType, msg), "%s", verb)
}

func (m *mgwClient) Create(owner models.ConnID, leg models.MgwLeg, peer models.MgwPeer) (models.MgwHandle, error) {
	h := models.MgwHandle(uuid.NewString())
	o := mgwOwner{conn: owner, leg: leg}
	if err := m.request(models.MgcpCrcx, h, o, peer); err != nil {
		return "", err
	}
	m.owners[h] = o
	return h, nil
}

func (m *mgwClient) Modify(h models.MgwHandle, peer models.MgwPeer) error {
	o, ok := m.owners[h]
	if !ok {
		return errors.Errorf("unknown MGW connection %s", h)
	}
	return m.request(models.MgcpMdcx, h, o, peer)
}

func (m *mgwClient) Delete(h models.MgwHandle) {
	o, ok := m.owners[h]
	if !ok {
		return
	}
	delete(m.owners, h)
	if err := m.request(models.MgcpDlcx, h, o, models.MgwPeer{}); err != nil {
		logger.MgwLog.Errorf("%v", err)
	}
}

// answered forgets connections the MGW refused to create.
func (m *mgwClient) answered(msg *models.MgwToBscMsg) {
	if msg.Verb == models.MgcpCrcx && !msg.Ok {
		delete(m.owners, msg.Handle)
	}
}

func (m *mgwClient) Len() int {
	return len(m.owners)
}

// coreTransport carries BSSAP between connections and the MSC task.
type coreTransport struct {
	b *Bsc
}

func (t *coreTransport) deliver(msg *models.BscToMscMsg) error {
	return errors.Wrapf(t.b.send(models.BscTask, models.MscTask, models.BscToMscType, msg), "to MSC")
}

func (t *coreTransport) Open(id models.ConnID, initial []byte) error {
	return t.deliver(&models.BscToMscMsg{Kind: models.BscConnRequest, ConnId: id, Payload: initial})
}

func (t *coreTransport) Send(id models.ConnID, msg models.BssapMessage) error {
	return t.deliver(&models.BscToMscMsg{Kind: models.BscBssap, ConnId: id, Bssap: msg})
}

func (t *coreTransport) Disconnect(id models.ConnID) {
	if err := t.deliver(&models.BscToMscMsg{Kind: models.BscDisconnect, ConnId: id}); err != nil {
		logger.MscLog.Errorf("%s: %v", id, err)
	}
}

var (
	_ radio.Link         = (*radioLink)(nil)
	_ conn.MgwClient     = (*mgwClient)(nil)
	_ conn.CoreTransport = (*coreTransport)(nil)
)
