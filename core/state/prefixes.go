package state

var (
	lendPairKeyBytes          = []byte("lend/pair")
	lendFeesKeyBytes          = []byte("lend/fees")
	lendPriceKeyBytes         = []byte("lend/price")
	lendPositionPrefix        = []byte("lend/position/")
	lendPositionIndexKeyBytes = []byte("lend/position/index")
	tokenPrefix               = []byte("token/")
	tokenListKeyBytes         = []byte("token/list")
	balancePrefix             = []byte("balance/")
	rolePrefix                = []byte("role/")
)
