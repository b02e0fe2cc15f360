package loopback

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type networkSuite struct {
	suite.Suite
	net  *Network
	a, b *Port
}

func (s *networkSuite) SetupTest() {
	s.net = New("test")
	var err error
	s.a, err = s.net.Open(2)
	s.Require().NoError(err)
	s.b, err = s.net.Open(2)
	s.Require().NoError(err)
}

func (s *networkSuite) TearDownTest() {
	_ = s.a.Close()
	_ = s.b.Close()
}

func (s *networkSuite) TestDeliversInOrderWithSource() {
	s.Require().NoError(s.a.Send(s.b.Name(), []byte("one")))
	s.Require().NoError(s.a.Send(s.b.Name(), []byte("two")))

	pkts := s.b.Poll(nil, 0)
	s.Require().Len(pkts, 2)
	s.Equal([]byte("one"), pkts[0].Frame)
	s.Equal([]byte("two"), pkts[1].Frame)
	s.Equal(s.a.Name(), pkts[0].Src)
	s.Equal(0, s.b.Pending())
}

func (s *networkSuite) TestBackpressureWhenQueueFull() {
	s.Require().NoError(s.a.Send(s.b.Name(), []byte("1")))
	s.Require().NoError(s.a.Send(s.b.Name(), []byte("2")))
	s.ErrorIs(s.a.Send(s.b.Name(), []byte("3")), ErrBackpressure)

	s.Len(s.b.Poll(nil, 1), 1)
	s.NoError(s.a.Send(s.b.Name(), []byte("3")))
	s.Equal(2, s.b.Pending())
}

func (s *networkSuite) TestClosedPortIsUnreachable() {
	s.Require().NoError(s.b.Close())
	s.ErrorIs(s.a.Send(s.b.Name(), []byte("x")), ErrUnreachable)
	s.ErrorIs(s.b.Send(s.a.Name(), []byte("x")), ErrClosed)
	s.Equal(1, s.net.Len())
}

func (s *networkSuite) TestReachableTracksPeerLifetime() {
	s.NoError(s.a.Reachable(s.b.Name()))
	s.Equal(0, s.b.Pending())

	s.Require().NoError(s.b.Close())
	s.ErrorIs(s.a.Reachable(s.b.Name()), ErrUnreachable)
	s.ErrorIs(s.a.Reachable([]byte{1}), ErrBadName)
}

func (s *networkSuite) TestMalformedName() {
	s.ErrorIs(s.a.Send([]byte{1, 2, 3}, nil), ErrBadName)
}

func TestNetworkSuite(t *testing.T) {
	suite.Run(t, new(networkSuite))
}

func TestSharedReturnsSameNetwork(t *testing.T) {
	require.Same(t, Shared("loopback-shared-test"), Shared("loopback-shared-test"))
	require.NotSame(t, Shared("loopback-shared-test"), Shared("loopback-other-test"))
}
