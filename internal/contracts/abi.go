package contracts

// DepositEscrowABI covers the two entry points the rental flow calls on the
// deposit escrow contract.
const DepositEscrowABI = `[
  {
    "inputs": [
      {"internalType": "uint64", "name": "index", "type": "uint64"},
      {"internalType": "uint64", "name": "subindex", "type": "uint64"}
    ],
    "name": "deposit",
    "outputs": [],
    "stateMutability": "payable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "bytes32", "name": "reference", "type": "bytes32"}
    ],
    "name": "release",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  }
]`
