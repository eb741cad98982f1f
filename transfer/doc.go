// Package transfer implements the chunked file transfer engine.
//
// A Session tracks one in-flight file in one direction. Senders slice the
// file into fixed-size chunks with offset-seeking reads and apply the
// audio-aware compression policy; receivers write chunks at their offsets,
// track which indices have arrived, and verify the full-file SHA-256 on
// completion.
//
//	engine := transfer.NewEngine()
//	meta, err := transfer.PrepareFile("/shared/note.wav")
//	session, err := engine.StartSending(meta, "/shared/note.wav", transfer.DefaultChunkSize)
//	for i := uint32(0); ; i++ {
//	    chunk, err := engine.GetNextChunk(meta.ID, i)
//	    if chunk == nil {
//	        break // end of file
//	    }
//	    // encode and send
//	}
package transfer
