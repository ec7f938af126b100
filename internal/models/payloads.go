package models

// Session-ratchet message type discriminators carried inside an EncryptedBlob.
// Bootstrap messages embed the material a cold recipient needs to seed a
// session; ordinary messages require one to already exist.
const (
	MessageTypeOrdinary  = 2
	MessageTypeBootstrap = 3
)

// EncryptedBlob is ciphertext plus the discriminator needed to decrypt it.
type EncryptedBlob struct {
	Ciphertext  []byte `json:"ciphertext"`
	MessageType int    `json:"messageType"`
}

// SDPPayload carries a session description for offer/answer frames.
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// ICECandidatePayload carries one connectivity candidate.
type ICECandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// CiphertextPayload is the payload of a ciphertext frame. The sender's
// current key bundle rides along so a cold recipient can bootstrap a
// session without a directory round trip.
type CiphertextPayload struct {
	Blob             EncryptedBlob `json:"blob"`
	PreKeyBundle     *KeyBundle    `json:"preKeyBundle,omitempty"`
	ConversationHint string        `json:"conversationHint,omitempty"`
	MimeType         string        `json:"mimeType,omitempty"`
}

// ContactPayload is the payload of contact_request and contact_response frames.
type ContactPayload struct {
	DisplayName string `json:"displayName,omitempty"`
	PeerCode    string `json:"peerCode"`
	Accepted    bool   `json:"accepted,omitempty"`
}

// MediaEnvelope is a single-shot attachment small enough to send unchunked.
type MediaEnvelope struct {
	MessageID string `json:"messageId"`
	FileName  string `json:"fileName"`
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
	Caption   string `json:"caption,omitempty"`
	Data      []byte `json:"data"`
}

// ChunkEnvelope is one fragment of a larger attachment.
type ChunkEnvelope struct {
	MessageID   string `json:"messageId"`
	FileName    string `json:"fileName"`
	MimeType    string `json:"mimeType"`
	SizeBytes   int64  `json:"sizeBytes"`
	Caption     string `json:"caption,omitempty"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Data        []byte `json:"data"`
}
