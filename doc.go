// Package qspiflash drives Winbond W25QxxJV serial NOR flash through an
// STM32H7 QUADSPI controller, or through anything that emulates its register
// file (see package qspi/emu).
//
// The layers are:
//   - qspi: the transaction engine, one frame per call on the controller
//     registers, with bounded status waits.
//   - qspiflash: the chip protocol. Write enable and busy polling wrap every
//     program and erase; Write splits arbitrary ranges at page boundaries.
//   - loader: the entry points a host flashing tool calls, on absolute
//     addresses with closed status codes.
//
// # References:
//
// ST
//   - [RM0433]: STM32H742, STM32H743/753 and STM32H750 reference manual, 23 Quad-SPI interface (https://www.st.com/resource/en/reference_manual/rm0433-stm32h742-stm32h743753-and-stm32h750-value-line-advanced-armbased-32bit-mcus-stmicroelectronics.pdf)
//   - [UM2237]: STM32CubeProgrammer, external loader (https://www.st.com/resource/en/user_manual/um2237-stm32cubeprogrammer-software-description-stmicroelectronics.pdf)
//
// FTDI (https://ftdichip.com/document/application-notes/)
//   - [FTDI-AN_108]: Command Processor for MPSSE and MCU Host Bus Emulation Modes (https://ftdichip.com/wp-content/uploads/2020/08/AN_108_Command_Processor_for_MPSSE_and_MCU_Host_Bus_Emulation_Modes.pdf)
//   - [FTDI-AN_114]: Interfacing FT2232H Hi-Speed Devices To SPI Bus (https://ftdichip.com/wp-content/uploads/2020/08/AN_114_FTDI_Hi_Speed_USB_To_SPI_Example.pdf)
//   - [FTDI-AN_135]: FTDI MPSSE Basics (https://ftdichip.com/wp-content/uploads/2020/08/AN_135_MPSSE_Basics.pdf)
//
// SPI Flash
//   - [W25Q64JV]: W25Q64JV Winbond Serial Flash Memory (https://www.winbond.com/resource-files/w25q64jv%20revj%2003272018%20plus.pdf)
package qspiflash
