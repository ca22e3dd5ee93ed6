package gateway

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestPublishedNetwork_Lifecycle(t *testing.T) {
	tun := newFakeTunnel()
	pub := newFakePublisher()
	p := newPublishedNetwork(tun, pub)

	p.buffer(DirectionIn, fakeTransform{spi: 1})
	p.buffer(DirectionOut, fakeTransform{spi: 2})
	ok, err := p.publish()
	require.NoError(t, err)
	assert.False(t, ok, "published before transforms applied")

	require.NoError(t, p.applyPending())
	ok, err = p.publish()
	require.NoError(t, err)
	assert.False(t, ok, "published without child config")

	p.setChild(ChildConfig{MTU: 1400})
	ok, err = p.publish()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, p.published())

	ok, err = p.publish()
	require.NoError(t, err)
	assert.False(t, ok, "second handle created")

	had, err := p.retract()
	require.NoError(t, err)
	assert.True(t, had)
	assert.False(t, p.published())
	assert.False(t, p.applied.Complete())
	assert.Nil(t, p.child)

	had, _ = p.retract()
	assert.False(t, had)

	require.NoError(t, p.close())
	assert.Equal(t, 1, tun.closeCount())
	assert.Equal(t, 1, pub.created)
	assert.Equal(t, 1, pub.destroyed)
}

func TestPublishedNetwork_UpdateWithoutUpdater(t *testing.T) {
	m := &mockPublisher{}
	m.On("CreateNetworkAgent", mock.Anything, mock.Anything).Return(AgentHandle(7), nil)
	m.On("Destroy", AgentHandle(7)).Return(errors.New("already gone"))

	p := newPublishedNetwork(newFakeTunnel(), m)
	require.NoError(t, p.apply(DirectionIn, fakeTransform{spi: 1}))
	require.NoError(t, p.apply(DirectionOut, fakeTransform{spi: 2}))
	p.setChild(ChildConfig{})
	_, err := p.publish()
	require.NoError(t, err)

	require.NoError(t, p.updateChild(ChildConfig{MTU: 1300}))
	assert.Equal(t, 1300, p.child.MTU)

	had, err := p.retract()
	assert.True(t, had)
	assert.EqualError(t, err, "already gone")
	m.AssertExpectations(t)
}

func TestTransformSet(t *testing.T) {
	var ts TransformSet
	assert.False(t, ts.Complete())
	ts.Set(DirectionIn, fakeTransform{spi: 1})
	assert.False(t, ts.Complete())
	ts.Set(DirectionOut, fakeTransform{spi: 2})
	assert.True(t, ts.Complete())
	assert.Equal(t, uint32(2), ts.Get(DirectionOut).SPI())
	assert.Equal(t, "in", DirectionIn.String())
	assert.Equal(t, "out", DirectionOut.String())
}

func TestNetworkRecord(t *testing.T) {
	var none *NetworkRecord
	assert.Equal(t, "none", none.String())
	assert.Nil(t, none.Clone())
	assert.True(t, none.SameNetwork(nil))
	assert.False(t, none.SameNetwork(netA))

	c := netA.Clone()
	c.LocalIP[0] = 1
	assert.Equal(t, "192.168.1.10", netA.LocalIP.String())
	assert.True(t, c.SameNetwork(netA))
	assert.False(t, netA.SameNetwork(netB))
	assert.Equal(t, "wlan0@192.168.1.10", netA.String())

	r := &NetworkRecord{ID: "cell-1", Interface: "rmnet1", LocalIP: net.ParseIP("10.0.0.1")}
	assert.Equal(t, "cell-1/rmnet1@10.0.0.1", r.String())
}

func TestNetworkRecord_SameBinding(t *testing.T) {
	mtu := netA.Clone()
	mtu.MTU = 1280
	moved := netA.Clone()
	moved.LocalIP = net.ParseIP("172.20.4.9")
	unbound := &NetworkRecord{ID: netA.ID}

	var none *NetworkRecord
	assert.True(t, none.SameBinding(nil))
	assert.False(t, none.SameBinding(netA))
	assert.False(t, netA.SameBinding(nil))
	assert.True(t, mtu.SameBinding(netA))
	assert.False(t, moved.SameBinding(netA))
	assert.False(t, netA.SameBinding(netB))
	assert.False(t, unbound.SameBinding(netA))
	assert.True(t, unbound.SameBinding(&NetworkRecord{ID: netA.ID, MTU: 9000}))
}

func TestChildConfig_Clone(t *testing.T) {
	c := ChildConfig{Addresses: []string{"a"}, Routes: []string{"r"}, DNS: []string{"d"}, MTU: 1}
	d := c.Clone()
	d.Addresses[0], d.Routes[0], d.DNS[0] = "x", "y", "z"
	assert.Equal(t, "a", c.Addresses[0])
	assert.Equal(t, "r", c.Routes[0])
	assert.Equal(t, "d", c.DNS[0])
}
