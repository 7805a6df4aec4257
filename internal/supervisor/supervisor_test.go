package supervisor

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func freePorts(t *testing.T, n int) []int {
	t.Helper()
	ports := make([]int, n)
	for i := range ports {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		ports[i] = ln.Addr().(*net.TCPAddr).Port
		ln.Close()
	}
	return ports
}

func TestStartClusterElectsALeaderAndServesClients(t *testing.T) {
	ports := freePorts(t, 3)
	sup := New("127.0.0.1", testLogger())
	handles, err := sup.StartCluster(ports)
	require.NoError(t, err)
	defer sup.StopAll()
	require.Len(t, handles, 3)

	var leader *NodeHandle
	require.Eventually(t, func() bool {
		for _, h := range handles {
			if h.Engine.IsLeader() {
				leader = h
				return true
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond, "a cluster of 3 must elect a leader")

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", ports[indexOf(handles, leader)]+clientPortOffset), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	reader := bufio.NewReader(conn)
	_, err = reader.ReadString('\n') // control-commands banner (leader)
	require.NoError(t, err)
	_, err = reader.ReadString('\n') // generic welcome banner
	require.NoError(t, err)

	fmt.Fprintf(conn, "PUT greeting hello\n")
	resp, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, resp, "SUCCESS")
}

func indexOf(handles []*NodeHandle, target *NodeHandle) int {
	for i, h := range handles {
		if h == target {
			return i
		}
	}
	return -1
}
