package serializer

import (
	"encoding/json"

	"github.com/ValentinKolb/dSync/rpc/common"
)

// NewJSONSerializer creates a new serializer using json encoding
func NewJSONSerializer() ISessionSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the ISessionSerializer interface using json encoding
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.ISessionSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (j jsonSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	return json.Unmarshal(b, msg)
}
