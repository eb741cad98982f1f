package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navicore/zim-sync/catalog"
	"github.com/navicore/zim-sync/protocol"
	"github.com/navicore/zim-sync/transfer"
)

func newTestServer(sharedDir string) *Server {
	device := protocol.DeviceInfo{
		ID:       uuid.New(),
		Name:     "studio-mac",
		Platform: protocol.PlatformMacOS,
		Version:  "1.0.0",
	}
	return NewServer(device, catalog.NewDirProvider(sharedDir))
}

// newTestPeer wires a peer session to a mock connection and returns the
// session plus the remote end the test drives.
func newTestPeer(server *Server) (*peerSession, *mockConn) {
	serverEnd, clientEnd := newConnPair()
	return newPeerSession(server, serverEnd), clientEnd
}

func encodePacket(t *testing.T, pkt protocol.Packet) []byte {
	t.Helper()
	data, err := protocol.Encode(pkt, 1)
	require.NoError(t, err)
	return data
}

func recvRaw(t *testing.T, conn *mockConn) []byte {
	t.Helper()
	result := make(chan []byte, 1)
	go func() {
		data, err := conn.Receive()
		if err == nil {
			result <- data
		}
	}()
	select {
	case data := <-result:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reply datagram")
		return nil
	}
}

func recvPacket(t *testing.T, conn *mockConn) protocol.Packet {
	t.Helper()
	_, pkt, err := protocol.Decode(recvRaw(t, conn))
	require.NoError(t, err)
	return pkt
}

func assertNoReply(t *testing.T, conn *mockConn) {
	t.Helper()
	select {
	case data := <-conn.in:
		t.Fatalf("unexpected reply datagram of %d bytes", len(data))
	case <-time.After(50 * time.Millisecond):
	}
}

func discoverPacket() *protocol.DiscoverPacket {
	return &protocol.DiscoverPacket{DeviceID: uuid.New(), Timestamp: time.Now().UTC()}
}

func TestDiscoverAnnouncesEmptyCatalog(t *testing.T) {
	server := newTestServer(t.TempDir())
	peer, remote := newTestPeer(server)

	require.NoError(t, peer.handleDatagram(encodePacket(t, discoverPacket())))

	announce, ok := recvPacket(t, remote).(*protocol.AnnouncePacket)
	require.True(t, ok, "first reply must be Announce")
	assert.Equal(t, "studio-mac", announce.DeviceInfo.Name)
	assert.Equal(t, SupportedFeatures, announce.SupportedFeatures)
	assert.GreaterOrEqual(t, announce.AvailableSpace, int64(0))

	list, ok := recvPacket(t, remote).(*protocol.FileListPacket)
	require.True(t, ok, "second reply must be FileList")
	assert.Empty(t, list.Files)
	assert.Zero(t, list.TotalSize)

	assert.Equal(t, StateCatalogSent, peer.state)
}

func TestDiscoverListsSharedFiles(t *testing.T) {
	dir := t.TempDir()
	content := []byte("four on the floor")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), content, 0644))

	server := newTestServer(dir)
	peer, remote := newTestPeer(server)

	require.NoError(t, peer.handleDatagram(encodePacket(t, discoverPacket())))
	recvPacket(t, remote) // Announce

	list := recvPacket(t, remote).(*protocol.FileListPacket)
	require.Len(t, list.Files, 1)
	assert.Equal(t, "notes.txt", list.Files[0].Path)
	assert.Equal(t, int64(len(content)), list.Files[0].Size)
	assert.Len(t, list.Files[0].Checksum, 32)
	assert.Equal(t, int64(len(content)), list.TotalSize)
}

func TestRepeatedDiscoverStaysInCatalogSent(t *testing.T) {
	server := newTestServer(t.TempDir())
	peer, remote := newTestPeer(server)

	for i := 0; i < 2; i++ {
		require.NoError(t, peer.handleDatagram(encodePacket(t, discoverPacket())))
		recvPacket(t, remote)
		recvPacket(t, remote)
		assert.Equal(t, StateCatalogSent, peer.state)
	}
}

func TestEchoFallback(t *testing.T) {
	server := newTestServer(t.TempDir())
	peer, remote := newTestPeer(server)

	require.NoError(t, peer.handleDatagram([]byte("Hello ZimSync!\n")))

	assert.Equal(t, "ZimSync Echo: Hello ZimSync!\n", string(recvRaw(t, remote)))
}

func TestEchoAppendsMissingNewline(t *testing.T) {
	server := newTestServer(t.TempDir())
	peer, remote := newTestPeer(server)

	require.NoError(t, peer.handleDatagram([]byte("ping")))

	assert.Equal(t, "ZimSync Echo: ping\n", string(recvRaw(t, remote)))
}

func TestInvalidBinaryDatagramDropped(t *testing.T) {
	server := newTestServer(t.TempDir())
	peer, remote := newTestPeer(server)

	require.NoError(t, peer.handleDatagram([]byte{0xFF, 0xFE, 0xFD, 0x00}))

	assertNoReply(t, remote)
}

func TestUnknownFileRequestAnswers404(t *testing.T) {
	server := newTestServer(t.TempDir())
	peer, remote := newTestPeer(server)

	require.NoError(t, peer.handleDatagram(encodePacket(t, discoverPacket())))
	recvPacket(t, remote)
	recvPacket(t, remote)

	missing := uuid.New()
	require.NoError(t, peer.handleDatagram(encodePacket(t, &protocol.FileRequestPacket{
		FileID:    missing,
		ChunkSize: transfer.DefaultChunkSize,
	})))

	errPkt, ok := recvPacket(t, remote).(*protocol.ErrorPacket)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrCodeFileNotFound, errPkt.Code)
	assert.Equal(t, "File not found", errPkt.Message)
	assert.Equal(t, missing.String(), errPkt.Details["fileId"])
}

func TestFileRequestBeforeDiscoverDropped(t *testing.T) {
	server := newTestServer(t.TempDir())
	peer, remote := newTestPeer(server)

	require.NoError(t, peer.handleDatagram(encodePacket(t, &protocol.FileRequestPacket{
		FileID: uuid.New(),
	})))

	assertNoReply(t, remote)
	assert.Equal(t, StateIdle, peer.state)
}

func TestNewerVersionRejectedAndDropped(t *testing.T) {
	server := newTestServer(t.TempDir())
	peer, remote := newTestPeer(server)

	data := encodePacket(t, discoverPacket())
	data[4] = protocol.Version + 1

	err := peer.handleDatagram(data)
	assert.ErrorIs(t, err, errDropConnection)

	errPkt, ok := recvPacket(t, remote).(*protocol.ErrorPacket)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrCodeUnsupportedFormat, errPkt.Code)
	assert.Equal(t, "unsupported version", errPkt.Message)
}

func TestChecksumMismatchAnswers409(t *testing.T) {
	server := newTestServer(t.TempDir())
	peer, remote := newTestPeer(server)

	data := encodePacket(t, discoverPacket())
	data[len(data)-1] ^= 0x01

	require.NoError(t, peer.handleDatagram(data))

	errPkt, ok := recvPacket(t, remote).(*protocol.ErrorPacket)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrCodeChecksumMismatch, errPkt.Code)
}

func TestOversizedChunkSizeRejected(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.bin"), []byte("abc"), 0644))

	server := newTestServer(dir)
	peer, remote := newTestPeer(server)

	require.NoError(t, peer.handleDatagram(encodePacket(t, discoverPacket())))
	recvPacket(t, remote)
	list := recvPacket(t, remote).(*protocol.FileListPacket)
	require.Len(t, list.Files, 1)

	require.NoError(t, peer.handleDatagram(encodePacket(t, &protocol.FileRequestPacket{
		FileID:    list.Files[0].ID,
		ChunkSize: transfer.MaxChunkSize + 1,
	})))

	errPkt, ok := recvPacket(t, remote).(*protocol.ErrorPacket)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrCodeUnsupportedFormat, errPkt.Code)
}

func TestTraversalPathRejectedWithoutCreatingFile(t *testing.T) {
	shared := t.TempDir()
	inbound := filepath.Join(shared, "inbound")
	require.NoError(t, os.MkdirAll(inbound, 0755))

	device := protocol.DeviceInfo{ID: uuid.New(), Name: "studio-mac", Platform: protocol.PlatformMacOS}
	provider := catalog.NewDirProvider(shared).WithInboundDir(inbound)
	server := NewServer(device, provider)
	peer, remote := newTestPeer(server)

	require.NoError(t, peer.handleDatagram(encodePacket(t, discoverPacket())))
	recvPacket(t, remote)
	recvPacket(t, remote)

	evil := protocol.FileMetadata{
		ID:   uuid.New(),
		Path: "../evil.txt",
		Size: 4,
	}
	require.NoError(t, peer.handleDatagram(encodePacket(t, &protocol.FileListPacket{
		Files: []protocol.FileMetadata{evil}, TotalSize: evil.Size,
	})))

	require.NoError(t, peer.handleDatagram(encodePacket(t, &protocol.FileDataPacket{
		FileID:      evil.ID,
		ChunkIndex:  0,
		TotalChunks: 1,
		Data:        []byte("pwnd"),
	})))

	errPkt, ok := recvPacket(t, remote).(*protocol.ErrorPacket)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrCodeUnsupportedFormat, errPkt.Code)

	_, err := os.Stat(filepath.Join(shared, "evil.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(inbound, "evil.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestUnofferedFileDataAnswers404(t *testing.T) {
	server := newTestServer(t.TempDir())
	peer, remote := newTestPeer(server)

	require.NoError(t, peer.handleDatagram(encodePacket(t, discoverPacket())))
	recvPacket(t, remote)
	recvPacket(t, remote)

	require.NoError(t, peer.handleDatagram(encodePacket(t, &protocol.FileDataPacket{
		FileID:      uuid.New(),
		ChunkIndex:  0,
		TotalChunks: 1,
		Data:        []byte("data"),
	})))

	errPkt, ok := recvPacket(t, remote).(*protocol.ErrorPacket)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrCodeFileNotFound, errPkt.Code)
}

func TestEmptyDatagramKeepsConversationAlive(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "loop.bin"), []byte("eight bar loop"), 0644))

	server := newTestServer(dir)
	listener := newMockListener()
	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Serve(listener) }()

	serverEnd, clientEnd := newConnPair()
	listener.conns <- serverEnd

	require.NoError(t, clientEnd.Send(encodePacket(t, discoverPacket())))
	recvPacket(t, clientEnd) // Announce
	list, ok := recvPacket(t, clientEnd).(*protocol.FileListPacket)
	require.True(t, ok)
	require.Len(t, list.Files, 1)

	// A stray zero-length datagram mid-conversation.
	require.NoError(t, clientEnd.Send(nil))

	require.NoError(t, clientEnd.Send(encodePacket(t, &protocol.FileRequestPacket{
		FileID:    list.Files[0].ID,
		ChunkSize: 1024,
	})))

	chunk, ok := recvPacket(t, clientEnd).(*protocol.FileDataPacket)
	require.True(t, ok, "request after an empty datagram must still be served")
	assert.Equal(t, list.Files[0].ID, chunk.FileID)

	clientEnd.Cancel()
	server.Shutdown()
	listener.Close()
	select {
	case <-serveDone:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after listener close")
	}
}

func TestPushReceiveStoresAndVerifiesFile(t *testing.T) {
	peerDir := t.TempDir()
	content := []byte("a small riff worth keeping")
	source := filepath.Join(peerDir, "riff.txt")
	require.NoError(t, os.WriteFile(source, content, 0644))

	meta, err := transfer.PrepareFile(source)
	require.NoError(t, err)

	shared := t.TempDir()
	inbound := filepath.Join(shared, "inbound")
	device := protocol.DeviceInfo{ID: uuid.New(), Name: "studio-mac", Platform: protocol.PlatformMacOS}
	server := NewServer(device, catalog.NewDirProvider(shared).WithInboundDir(inbound))
	peer, remote := newTestPeer(server)

	require.NoError(t, peer.handleDatagram(encodePacket(t, discoverPacket())))
	recvPacket(t, remote)
	recvPacket(t, remote)

	require.NoError(t, peer.handleDatagram(encodePacket(t, &protocol.FileListPacket{
		Files: []protocol.FileMetadata{meta}, TotalSize: meta.Size,
	})))

	require.NoError(t, peer.handleDatagram(encodePacket(t, &protocol.FileDataPacket{
		FileID:      meta.ID,
		ChunkIndex:  0,
		Offset:      0,
		TotalChunks: 1,
		Data:        content,
	})))

	ack, ok := recvPacket(t, remote).(*protocol.AckPacket)
	require.True(t, ok, "stored chunk must be acknowledged")
	assert.Equal(t, []uint32{0}, BitmapChunks(ack.ReceivedBitmap, 1))

	stored, err := os.ReadFile(filepath.Join(inbound, "riff.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, stored)
	assert.Equal(t, StateTransferring, peer.state)
}
